package database

import (
	"errors"

	"outrider/internal/domain"

	"gorm.io/gorm"
)

// ProxyWithLoad pairs a pool entry with its live active-assignment count.
type ProxyWithLoad struct {
	Proxy       domain.Proxy `json:"proxy"`
	ActiveUsers int          `json:"active_users"`
}

func GetProxyByID(id uint64) (*domain.Proxy, error) {
	var proxy domain.Proxy
	if err := DB.First(&proxy, id).Error; err != nil {
		return nil, err
	}
	return &proxy, nil
}

// GetAvailableProxies lists active pool entries that still have capacity left.
func GetAvailableProxies() ([]ProxyWithLoad, error) {
	var proxies []domain.Proxy
	if err := DB.Where("status = ?", domain.ProxyStatusActive).
		Order("id ASC").Find(&proxies).Error; err != nil {
		return nil, err
	}

	counts, err := activeAssignmentCounts()
	if err != nil {
		return nil, err
	}

	available := make([]ProxyWithLoad, 0, len(proxies))
	for _, proxy := range proxies {
		load := counts[proxy.ID]
		if load >= proxy.MaxConcurrentUsers {
			continue
		}
		available = append(available, ProxyWithLoad{Proxy: proxy, ActiveUsers: load})
	}
	return available, nil
}

func activeAssignmentCounts() (map[uint64]int, error) {
	var rows []struct {
		ProxyID uint64
		Count   int
	}
	err := DB.Model(&domain.ProxyAssignment{}).
		Select("proxy_id, COUNT(*) AS count").
		Where("active = ?", true).
		Group("proxy_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[uint64]int, len(rows))
	for _, row := range rows {
		counts[row.ProxyID] = row.Count
	}
	return counts, nil
}

func CreateProxy(proxy *domain.Proxy) error {
	return DB.Create(proxy).Error
}

func UpdateProxyStatus(id uint64, status domain.ProxyStatus) error {
	result := DB.Model(&domain.Proxy{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func DeleteProxy(id uint64) error {
	var activeRefs int64
	if err := DB.Model(&domain.ProxyAssignment{}).
		Where("proxy_id = ? AND active = ?", id, true).
		Count(&activeRefs).Error; err != nil {
		return err
	}
	if activeRefs > 0 {
		return errors.New("proxy has active assignments and cannot be deleted")
	}
	return DB.Delete(&domain.Proxy{}, id).Error
}
