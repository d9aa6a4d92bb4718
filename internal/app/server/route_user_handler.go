package server

import (
	"encoding/json"
	"net/http"

	"outrider/internal/auth"
	"outrider/internal/database"

	"golang.org/x/crypto/bcrypt"
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func loginUser(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if !auth.IsValidEmail(creds.Email) {
		writeError(w, "Invalid email", http.StatusBadRequest)
		return
	}

	user, err := database.GetAdminUserByEmail(creds.Email)
	if err != nil {
		writeError(w, "User not found", http.StatusUnauthorized)
		return
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)) != nil {
		writeError(w, "Invalid password", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(user.ID, user.Role)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token, "role": user.Role})
}
