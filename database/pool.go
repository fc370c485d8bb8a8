package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yeremiapane/replisync/config"
	"github.com/yeremiapane/replisync/utils"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrUnknownNode = errors.New("unknown node")

// Node is one named replica and its connection pool.
type Node struct {
	Name    string
	Dialect string
	DB      *gorm.DB
}

// Pool addresses the configured replicas by name, in configuration order.
type Pool struct {
	nodes   map[string]*Node
	order   []string
	timeout time.Duration
}

func NewPool(timeout time.Duration, nodes ...*Node) *Pool {
	p := &Pool{nodes: make(map[string]*Node, len(nodes)), timeout: timeout}
	for _, n := range nodes {
		p.nodes[n.Name] = n
		p.order = append(p.order, n.Name)
	}
	return p
}

// Open connects to every configured node. Connections are not pinged here: an
// unreachable node is still registered and shows up as unhealthy in health checks.
func Open(cfg *config.Config) (*Pool, error) {
	nodes := make([]*Node, 0, len(cfg.Nodes))
	for _, nc := range cfg.Nodes {
		db, err := openNode(nc, cfg.MaxOpenConns)
		if err != nil {
			return nil, fmt.Errorf("open node %s: %w", nc.Name, err)
		}
		nodes = append(nodes, &Node{Name: nc.Name, Dialect: nc.Dialect, DB: db})
		utils.InfoLogger.Printf("Node %s registered (%s)", nc.Name, nc.Dialect)
	}
	return NewPool(cfg.ConnectTimeout, nodes...), nil
}

// nodeLogger routes gorm warnings through the service log. Lookups that
// expect no row are not warnings.
func nodeLogger() logger.Interface {
	return logger.New(utils.InfoLogger.WithField("component", "gorm"), logger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  logger.Warn,
		IgnoreRecordNotFoundError: true,
	})
}

func openNode(nc config.NodeConfig, maxOpen int) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch nc.Dialect {
	case config.DialectSQLite:
		dialector = sqlite.Open(nc.DSN)
	default:
		dialector = mysql.Open(nc.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:               nodeLogger(),
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	idle := maxOpen / 2
	if idle < 1 {
		idle = 1
	}
	sqlDB.SetMaxIdleConns(idle)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func (p *Pool) Get(name string) (*Node, error) {
	n, ok := p.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	return n, nil
}

func (p *Pool) Has(name string) bool {
	_, ok := p.nodes[name]
	return ok
}

func (p *Pool) Names() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Others lists every node except the given ones, in configuration order.
func (p *Pool) Others(exclude ...string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	var out []string
	for _, n := range p.order {
		if !skip[n] {
			out = append(out, n)
		}
	}
	return out
}

func (p *Pool) ConnectTimeout() time.Duration {
	return p.timeout
}

// WithTimeout derives a context bounded by the connect timeout.
func (p *Pool) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// Ping runs SELECT 1 on the node and returns the round-trip latency.
func (p *Pool) Ping(ctx context.Context, name string) (time.Duration, error) {
	n, err := p.Get(name)
	if err != nil {
		return 0, err
	}
	ctx, cancel := p.WithTimeout(ctx)
	defer cancel()

	start := time.Now()
	var one int
	if err := n.DB.WithContext(ctx).Raw("SELECT 1").Scan(&one).Error; err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}

func (p *Pool) Close() {
	for _, name := range p.order {
		sqlDB, err := p.nodes[name].DB.DB()
		if err != nil {
			continue
		}
		if err := sqlDB.Close(); err != nil {
			utils.ErrorLogger.Printf("Error closing node %s: %v", name, err)
		}
	}
}
