package app

import (
	"context"
	"errors"
	"fmt"

	"subgraph-lag-monitor/internal/collector"
	"subgraph-lag-monitor/internal/history"
	"subgraph-lag-monitor/internal/service"
)

// SimulateAlert 使用给定的延迟值对某个分组跑一次内存中的采集，以验证告警通道。
func (a *App) SimulateAlert(ctx context.Context, groupName string, lag uint64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is not enabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	cfg, ok := a.Config.Group(groupName)
	if !ok {
		return fmt.Errorf("unknown group %q", groupName)
	}
	if cfg.AlertThreshold == 0 {
		return fmt.Errorf("group %q has no alert_threshold", groupName)
	}

	store, err := history.NewMemoryStore(nil)
	if err != nil {
		return err
	}

	group := service.Group{
		Group: collector.Group{
			Name:    cfg.Name,
			Chain:   cfg.Chain,
			Gateway: &collector.GatewayTarget{Endpoint: "simulated"},
		},
		AlertThreshold: cfg.AlertThreshold,
	}
	svc := service.New(nil, store, &staticBuilder{lag: lag}, []service.Group{group}, service.Options{Notifier: notifier}, a.Logger)

	report, err := svc.RunTick(ctx)
	if err != nil {
		return err
	}
	if report.Alerts == 0 && lag >= cfg.AlertThreshold {
		return errors.New("alert dispatch failed; see logs")
	}
	if report.Alerts == 0 {
		fmt.Fprintf(a.Stdout, "lag %d is below threshold %d; no alert sent\n", lag, cfg.AlertThreshold)
		return nil
	}
	fmt.Fprintf(a.Stdout, "alert sent for %s (lag %d, threshold %d)\n", cfg.Name, lag, cfg.AlertThreshold)
	return nil
}

type staticBuilder struct {
	lag uint64
}

func (b *staticBuilder) Build(_ context.Context, _ collector.Group, _ []string, timestamp int64) (history.Snapshot, error) {
	value := history.Ok(b.lag)
	return history.Snapshot{Timestamp: timestamp, Gateway: &value}, nil
}

var _ service.SnapshotBuilder = (*staticBuilder)(nil)
