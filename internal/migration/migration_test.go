package migration_test

import (
	"testing"

	"github.com/smallbiznis/waingest/pkg/db/dbtest"
)

func TestMigrationsCreateConstraints(t *testing.T) {
	conn := dbtest.Open(t)

	for _, table := range []string{"instances", "webhook_logs", "leads", "conversations", "tickets", "messages"} {
		if !conn.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}

	insertTicket := `INSERT INTO tickets (id, org_id, conversation_id, lead_id, status) VALUES (?, 1, 10, 100, ?)`
	if err := conn.Exec(`INSERT INTO leads (id, org_id, remote_jid, phone) VALUES (100, 1, '1@s.whatsapp.net', '1')`).Error; err != nil {
		t.Fatalf("insert lead: %v", err)
	}
	if err := conn.Exec(`INSERT INTO conversations (id, org_id, lead_id, instance_id) VALUES (10, 1, 100, 7)`).Error; err != nil {
		t.Fatalf("insert conversation: %v", err)
	}
	if err := conn.Exec(insertTicket, 1, "OPEN").Error; err != nil {
		t.Fatalf("insert first ticket: %v", err)
	}
	if err := conn.Exec(insertTicket, 2, "OPEN").Error; err == nil {
		t.Fatalf("expected second open ticket to violate the partial index")
	}
	if err := conn.Exec(insertTicket, 3, "resolved").Error; err != nil {
		t.Fatalf("closed tickets must not conflict: %v", err)
	}
}
