// Package geo enriches pool entries with their egress country so operators
// can reason about assignment spread. The sweep is best-effort: a missing
// GeoLite database or an unresolvable host leaves the row untouched.
package geo

import (
	"context"
	"net"
	"sync"
	"time"

	"outrider/internal/domain"

	"github.com/charmbracelet/log"
	"github.com/oschwald/geoip2-golang"
	"gorm.io/gorm"
)

const lookupTimeout = 2 * time.Second

type Refresher struct {
	db     *gorm.DB
	dbPath string

	mu     sync.Mutex
	reader *geoip2.Reader
}

func NewRefresher(db *gorm.DB, geoDatabasePath string) *Refresher {
	return &Refresher{db: db, dbPath: geoDatabasePath}
}

// Sweep fills Country on proxies that lack one. Returns how many rows were
// updated.
func (r *Refresher) Sweep(ctx context.Context) (int, error) {
	reader, err := r.openReader()
	if err != nil {
		log.Debug("geo sweep skipped, database unavailable", "path", r.dbPath, "err", err)
		return 0, nil
	}

	var proxies []domain.Proxy
	if err := r.db.WithContext(ctx).
		Where("country = '' OR country IS NULL").
		Find(&proxies).Error; err != nil {
		return 0, err
	}

	updated := 0
	for i := range proxies {
		proxy := &proxies[i]
		iso := r.lookupCountry(ctx, reader, proxy.Host())
		if iso == "" {
			continue
		}

		if err := r.db.WithContext(ctx).Model(&domain.Proxy{}).
			Where("id = ?", proxy.ID).
			Update("country", iso).Error; err != nil {
			log.Error("geo update failed", "proxy_id", proxy.ID, "err", err)
			continue
		}
		updated++
	}

	if updated > 0 {
		log.Info("geo sweep enriched proxies", "count", updated)
	}
	return updated, nil
}

// Run executes the sweep periodically until the context ends.
func (r *Refresher) Run(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Hour
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil {
			log.Error("geo sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Refresher) openReader() (*geoip2.Reader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reader != nil {
		return r.reader, nil
	}

	reader, err := geoip2.Open(r.dbPath)
	if err != nil {
		return nil, err
	}
	r.reader = reader
	return reader, nil
}

func (r *Refresher) lookupCountry(ctx context.Context, reader *geoip2.Reader, host string) string {
	ip := net.ParseIP(host)
	if ip == nil {
		lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
		defer cancel()

		addrs, err := net.DefaultResolver.LookupIP(lookupCtx, "ip4", host)
		if err != nil || len(addrs) == 0 {
			return ""
		}
		ip = addrs[0]
	}

	record, err := reader.Country(ip)
	if err != nil || record == nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close releases the GeoLite reader.
func (r *Refresher) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reader != nil {
		_ = r.reader.Close()
		r.reader = nil
	}
}
