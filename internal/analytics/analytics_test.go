package analytics

import (
	"context"
	"testing"
	"time"

	"restorebot/internal/storage"
)

func TestReportCountsLevelsAndEvents(t *testing.T) {
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx := context.Background()
	now := time.Now()
	for _, entry := range []storage.AuditLog{
		{GuildID: "g1", Level: "INFO", Event: "backup_created", CreatedAt: now},
		{GuildID: "g1", Level: "INFO", Event: "backup_created", CreatedAt: now},
		{GuildID: "g1", Level: "CRIT", Event: "restore_failed", CreatedAt: now},
		{GuildID: "g1", Level: "INFO", Event: "backup_created", CreatedAt: now.Add(-30 * 24 * time.Hour)},
		{GuildID: "g2", Level: "INFO", Event: "backup_created", CreatedAt: now},
	} {
		if err := store.AddAuditLog(ctx, entry); err != nil {
			t.Fatalf("add audit log: %v", err)
		}
	}

	report, err := New(store).Report(ctx, "g1", now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Total != 3 || report.ByLevel["INFO"] != 2 || report.ByLevel["CRIT"] != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	top := report.TopEvents(1)
	if len(top) != 1 || top[0] != "backup_created" {
		t.Fatalf("unexpected top events: %v", top)
	}
}
