package database

import (
	"errors"

	"outrider/internal/domain"
	"outrider/internal/support"

	"github.com/charmbracelet/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func GetAdminUserByEmail(email string) (*domain.AdminUser, error) {
	var user domain.AdminUser
	if err := DB.Where("email = ?", email).First(&user).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

// EnsureBootstrapAdmin creates the initial admin account from env on first
// start. A missing ADMIN_PASSWORD is not an error, it just skips the seed.
func EnsureBootstrapAdmin() error {
	email := support.GetEnv("ADMIN_EMAIL", "")
	password := support.GetEnv("ADMIN_PASSWORD", "")
	if email == "" || password == "" {
		return nil
	}

	_, err := GetAdminUserByEmail(email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	user := domain.AdminUser{
		Email:        email,
		PasswordHash: string(hash),
		Role:         "admin",
	}
	if err := DB.Create(&user).Error; err != nil {
		return err
	}

	log.Info("Bootstrap admin account created", "email", email)
	return nil
}
