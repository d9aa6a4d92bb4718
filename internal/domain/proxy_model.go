package domain

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"outrider/internal/security"

	"gorm.io/gorm"
)

type ProxyStatus string

const (
	ProxyStatusActive      ProxyStatus = "active"
	ProxyStatusInactive    ProxyStatus = "inactive"
	ProxyStatusMaintenance ProxyStatus = "maintenance"
	ProxyStatusBanned      ProxyStatus = "banned"
	ProxyStatusTesting     ProxyStatus = "testing"
)

// Proxy is a pool entry: one egress endpoint that automation traffic can be
// routed through. Credentials are encrypted at rest, the plaintext password
// only ever lives on the in-memory struct.
type Proxy struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Provider string `gorm:"size:32;not null;default:'custom'" json:"provider"`
	Endpoint string `gorm:"not null;index" json:"endpoint"` // host:port
	Protocol string `gorm:"size:8;not null;default:'http'" json:"protocol"`

	Username string `gorm:"default:''" json:"username"`
	Password string `gorm:"-" json:"-"`

	PasswordEncrypted string `gorm:"column:password;default:''" json:"-"`

	Country string `gorm:"size:56" json:"country"`
	Region  string `gorm:"size:56" json:"region"`

	MaxConcurrentUsers int         `gorm:"not null;default:2" json:"max_concurrent_users"`
	Status             ProxyStatus `gorm:"size:16;not null;default:'active';index" json:"status"`

	Notes string `gorm:"default:''" json:"notes"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (proxy *Proxy) BeforeSave(_ *gorm.DB) error {
	if _, _, err := net.SplitHostPort(proxy.Endpoint); err != nil {
		return fmt.Errorf("invalid proxy endpoint %q: %w", proxy.Endpoint, err)
	}

	if proxy.Password == "" {
		if proxy.PasswordEncrypted != "" && security.IsCredentialEncrypted(proxy.PasswordEncrypted) {
			return nil
		}
		proxy.PasswordEncrypted = ""
		return nil
	}

	encrypted, err := security.EncryptCredential(proxy.Password)
	if err != nil {
		return err
	}

	proxy.PasswordEncrypted = encrypted
	return nil
}

func (proxy *Proxy) AfterFind(_ *gorm.DB) error {
	plain, _, err := security.DecryptCredential(proxy.PasswordEncrypted)
	if err != nil {
		return err
	}

	proxy.Password = plain
	return nil
}

func (proxy *Proxy) Host() string {
	host, _, err := net.SplitHostPort(proxy.Endpoint)
	if err != nil {
		return proxy.Endpoint
	}
	return host
}

func (proxy *Proxy) Port() string {
	_, port, err := net.SplitHostPort(proxy.Endpoint)
	if err != nil {
		return ""
	}
	return port
}

func (proxy *Proxy) HasAuth() bool {
	return proxy.Username != "" && proxy.Password != ""
}

// URL renders the proxy as a scheme://[user:pass@]host:port address usable by
// http.Transport and the browser launcher.
func (proxy *Proxy) URL() (*url.URL, error) {
	if proxy.Endpoint == "" {
		return nil, errors.New("proxy endpoint is empty")
	}

	u := &url.URL{
		Scheme: proxy.Protocol,
		Host:   proxy.Endpoint,
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	if proxy.HasAuth() {
		u.User = url.UserPassword(proxy.Username, proxy.Password)
	}
	return u, nil
}
