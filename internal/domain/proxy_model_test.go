package domain

import (
	"testing"

	"outrider/internal/security"
)

func TestProxyHostPort(t *testing.T) {
	proxy := Proxy{Endpoint: "8.8.8.8:3128"}

	if got := proxy.Host(); got != "8.8.8.8" {
		t.Fatalf("Host returned %s, want 8.8.8.8", got)
	}
	if got := proxy.Port(); got != "3128" {
		t.Fatalf("Port returned %s, want 3128", got)
	}
}

func TestProxyHasAuth(t *testing.T) {
	proxy := Proxy{Endpoint: "10.0.0.1:8080", Username: "name", Password: "pass"}

	if !proxy.HasAuth() {
		t.Fatal("HasAuth returned false for proxy with credentials")
	}

	proxy.Password = ""
	if proxy.HasAuth() {
		t.Fatal("HasAuth returned true when password missing")
	}
}

func TestProxyURL(t *testing.T) {
	proxy := Proxy{Endpoint: "10.0.0.1:1080", Protocol: "socks5", Username: "u", Password: "p"}

	u, err := proxy.URL()
	if err != nil {
		t.Fatalf("URL returned error: %v", err)
	}
	if u.Scheme != "socks5" {
		t.Fatalf("URL scheme is %s, want socks5", u.Scheme)
	}
	if u.Host != "10.0.0.1:1080" {
		t.Fatalf("URL host is %s, want 10.0.0.1:1080", u.Host)
	}
	if u.User == nil {
		t.Fatal("URL dropped credentials")
	}
}

func TestProxyBeforeSaveEncryptsAndAfterFindDecrypts(t *testing.T) {
	t.Setenv("CREDENTIAL_ENCRYPTION_KEY", "unit-test-encryption-key")
	security.ResetCredentialCipherForTests()

	proxy := Proxy{Endpoint: "10.0.0.1:8080", Username: "user", Password: "secret"}

	if err := proxy.BeforeSave(nil); err != nil {
		t.Fatalf("BeforeSave returned error: %v", err)
	}

	if proxy.PasswordEncrypted == "" {
		t.Fatal("BeforeSave did not populate PasswordEncrypted")
	}
	if !security.IsCredentialEncrypted(proxy.PasswordEncrypted) {
		t.Fatalf("PasswordEncrypted %q does not have encryption prefix", proxy.PasswordEncrypted)
	}

	decrypted := Proxy{PasswordEncrypted: proxy.PasswordEncrypted}
	if err := decrypted.AfterFind(nil); err != nil {
		t.Fatalf("AfterFind returned error: %v", err)
	}
	if decrypted.Password != "secret" {
		t.Fatalf("AfterFind returned password %q, want secret", decrypted.Password)
	}
}

func TestProxyBeforeSaveRejectsBadEndpoint(t *testing.T) {
	proxy := Proxy{Endpoint: "not-an-endpoint"}
	if err := proxy.BeforeSave(nil); err == nil {
		t.Fatal("expected error for endpoint without port")
	}
}
