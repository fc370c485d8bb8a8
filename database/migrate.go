package database

import (
	"github.com/yeremiapane/replisync/models"
	"github.com/yeremiapane/replisync/utils"
)

// Migrate creates the tracked tables and the sync bookkeeping tables on every node.
// A node that fails migration is logged and skipped.
func (p *Pool) Migrate() {
	for _, name := range p.order {
		n := p.nodes[name]
		if err := MigrateNode(n); err != nil {
			utils.ErrorLogger.Printf("Failed to AutoMigrate node %s: %v", name, err)
			continue
		}
		utils.InfoLogger.Printf("AutoMigrate completed on %s.", name)
	}
}

func MigrateNode(n *Node) error {
	all := append(models.TrackedModels(), models.SyncModels()...)
	return n.DB.AutoMigrate(all...)
}
