package database

import (
	"fmt"
	"strings"

	"github.com/yeremiapane/replisync/config"
	"github.com/yeremiapane/replisync/schema"
	"github.com/yeremiapane/replisync/utils"
	"gorm.io/gorm"
)

var triggerEvents = []string{"INSERT", "UPDATE", "DELETE"}

func TriggerName(table, event string) string {
	return fmt.Sprintf("trg_%s_sync_%s", table, strings.ToLower(event))
}

// TriggerStatements renders the change-capture triggers for one table on one node.
// Every trigger is guarded by @sync_in_progress so replayed writes are not captured
// again. A soft delete (is_deleted 0 -> 1) is logged as DELETE.
func TriggerStatements(t *schema.Table, node string) []string {
	var stmts []string
	for _, event := range triggerEvents {
		name := TriggerName(t.Name, event)
		stmts = append(stmts,
			fmt.Sprintf("DROP TRIGGER IF EXISTS `%s`", name),
			createTrigger(t, node, event, name),
		)
	}
	return stmts
}

func createTrigger(t *schema.Table, node, event, name string) string {
	row := "NEW"
	operation := fmt.Sprintf("'%s'", event)
	switch event {
	case "DELETE":
		row = "OLD"
	case "UPDATE":
		operation = "IF(OLD.`is_deleted` = 0 AND NEW.`is_deleted` = 1, 'DELETE', 'UPDATE')"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TRIGGER `%s` AFTER %s ON `%s` FOR EACH ROW\n", name, event, t.Name)
	b.WriteString("BEGIN\n")
	b.WriteString("  IF @sync_in_progress IS NULL THEN\n")
	b.WriteString("    INSERT INTO `sync_log` (`table_name`, `record_id`, `operation`, `change_data`, `source_node`, `sync_status`, `retry_count`, `synced_nodes`, `created_at`)\n")
	fmt.Fprintf(&b, "    VALUES ('%s', %s.`%s`, %s, %s, '%s', 'pending', 0, JSON_ARRAY(), NOW());\n",
		t.Name, row, t.PrimaryKey, operation, jsonObject(t, row), sqlLiteral(node))
	b.WriteString("  END IF;\n")
	b.WriteString("END")
	return b.String()
}

func jsonObject(t *schema.Table, row string) string {
	cols := append([]string{t.PrimaryKey}, t.Fields...)
	cols = append(cols, schema.SyncFields...)
	seen := map[string]bool{}
	var parts []string
	for _, c := range cols {
		if seen[c] || !t.Allowed(c) {
			continue
		}
		seen[c] = true
		parts = append(parts, fmt.Sprintf("'%s', %s.`%s`", c, row, c))
	}
	return "JSON_OBJECT(" + strings.Join(parts, ", ") + ")"
}

func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// InstallTriggers creates the capture triggers for every registered table on a
// MySQL node and verifies them through information_schema. SQLite nodes carry no
// triggers and are skipped.
func InstallTriggers(n *Node, reg *schema.Registry) error {
	if n.Dialect != config.DialectMySQL {
		utils.InfoLogger.Printf("Node %s (%s): trigger install skipped", n.Name, n.Dialect)
		return nil
	}

	for _, tableName := range reg.Names() {
		t, _ := reg.Lookup(tableName)
		for _, stmt := range TriggerStatements(t, n.Name) {
			if err := n.DB.Exec(stmt).Error; err != nil {
				utils.ErrorLogger.Printf("Error executing trigger on %s: %v\nStatement: %s", n.Name, err, stmt)
				return fmt.Errorf("install trigger on %s.%s: %w", n.Name, tableName, err)
			}
		}
	}

	installed, err := VerifyTriggers(n.DB)
	if err != nil {
		return err
	}
	want := len(reg.Names()) * len(triggerEvents)
	if got := countSyncTriggers(installed); got < want {
		return fmt.Errorf("node %s: expected %d sync triggers, found %d", n.Name, want, got)
	}
	utils.InfoLogger.Printf("Node %s: %d sync triggers verified", n.Name, want)
	return nil
}

type TriggerInfo struct {
	Trigger string `gorm:"column:trigger_name"`
	Event   string `gorm:"column:event_type"`
	Table   string `gorm:"column:table_name"`
	Timing  string `gorm:"column:timing"`
}

func VerifyTriggers(db *gorm.DB) ([]TriggerInfo, error) {
	var triggers []TriggerInfo
	err := db.Raw(`
        SELECT
            TRIGGER_NAME as trigger_name,
            EVENT_MANIPULATION as event_type,
            EVENT_OBJECT_TABLE as table_name,
            ACTION_TIMING as timing
        FROM information_schema.triggers
        WHERE TRIGGER_SCHEMA = DATABASE()
    `).Scan(&triggers).Error
	if err != nil {
		return nil, fmt.Errorf("verify triggers: %w", err)
	}
	for _, t := range triggers {
		utils.InfoLogger.Debugf("Trigger verified: %s (%s %s on %s)", t.Trigger, t.Timing, t.Event, t.Table)
	}
	return triggers, nil
}

func countSyncTriggers(triggers []TriggerInfo) int {
	n := 0
	for _, t := range triggers {
		if strings.HasPrefix(t.Trigger, "trg_") && strings.Contains(t.Trigger, "_sync_") {
			n++
		}
	}
	return n
}
