package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// 集約ステータス。
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// サービスごとのステータス。
const (
	ServiceHealthy   = "healthy"
	ServiceUnhealthy = "unhealthy"
)

// ServiceStatus は集約レポート内の1サービス分の結果。
type ServiceStatus struct {
	Status         string   `json:"status"`
	Message        string   `json:"message"`
	URL            string   `json:"url,omitempty"`
	ResponseTimeMS *float64 `json:"response_time_ms,omitempty"`
}

// Stats は集約レポートの統計情報。
type Stats struct {
	TotalServices        int     `json:"total_services"`
	AvailableServices    int     `json:"available_services"`
	CriticalServicesDown int     `json:"critical_services_down"`
	TotalCheckTimeMS     float64 `json:"total_check_time_ms"`
}

// Report は全サービスのヘルスチェック結果。
type Report struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	Stats     Stats                    `json:"stats"`
}

// CheckAll は全サービスを並行して強制プローブし、集約レポートを返す。
// 全サービスが正常ならok、criticalなサービスが1つでも異常ならcritical、それ以外はdegradedとなる。
func (c *Cache) CheckAll(ctx context.Context) Report {
	start := c.now()

	names := make([]string, 0, len(c.routes))
	for name := range c.routes {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		mu       sync.Mutex
		services = make(map[string]ServiceStatus, len(names))
		g        errgroup.Group
	)
	for _, name := range names {
		g.Go(func() error {
			status := c.checkOne(ctx, name)
			mu.Lock()
			services[name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:    StatusOK,
		Timestamp: c.now().UTC(),
		Services:  services,
		Stats:     Stats{TotalServices: len(names)},
	}
	for _, name := range names {
		if services[name].Status == ServiceHealthy {
			report.Stats.AvailableServices++
			continue
		}
		if c.routes[name].Critical {
			report.Stats.CriticalServicesDown++
		}
	}

	switch {
	case report.Stats.CriticalServicesDown > 0:
		report.Status = StatusCritical
	case report.Stats.AvailableServices < report.Stats.TotalServices:
		report.Status = StatusDegraded
	}
	report.Stats.TotalCheckTimeMS = milliseconds(c.now().Sub(start))
	return report
}

func (c *Cache) checkOne(ctx context.Context, name string) ServiceStatus {
	_, err := c.EnsureHealthy(ctx, name, true)

	status := ServiceStatus{Status: ServiceHealthy, Message: "ok"}
	if entry, ok := c.Entry(name); ok {
		status.URL = entry.URL
		ms := milliseconds(entry.ResponseTime)
		status.ResponseTimeMS = &ms
	}
	if err != nil {
		status.Status = ServiceUnhealthy
		status.Message = err.Error()

		var ue *UnavailableError
		if errors.As(err, &ue) {
			status.Message = ue.Message
		}
	}
	return status
}

func milliseconds(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}
