package models

import "time"

// Replication columns shared by every tracked table.
type SyncColumns struct {
	IsDeleted       int        `gorm:"not null;default:0" json:"is_deleted"`
	CreatedTime     *time.Time `gorm:"type:datetime" json:"created_time"`
	LastUpdatedTime *time.Time `gorm:"type:datetime" json:"last_updated_time"`
	SyncVersion     int        `gorm:"not null;default:1" json:"sync_version"`
	DBSource        string     `gorm:"column:db_source;type:varchar(20)" json:"db_source"`
}

type SystemUser struct {
	UserID    uint64     `gorm:"column:user_id;primaryKey;autoIncrement" json:"user_id"`
	Username  string     `gorm:"type:varchar(50);not null" json:"username"`
	Password  string     `gorm:"type:varchar(255);not null" json:"-"`
	RealName  string     `gorm:"type:varchar(50)" json:"real_name"`
	Role      string     `gorm:"type:varchar(20);not null;default:'reader'" json:"role"`
	Email     string     `gorm:"type:varchar(100)" json:"email"`
	Phone     string     `gorm:"type:varchar(20)" json:"phone"`
	LastLogin *time.Time `gorm:"type:date" json:"last_login"`
	Status    string     `gorm:"type:varchar(20)" json:"status"`
	SyncColumns
}

type Category struct {
	CategoryID   uint64  `gorm:"column:category_id;primaryKey;autoIncrement" json:"category_id"`
	CategoryName string  `gorm:"type:varchar(50);not null" json:"category_name"`
	Description  string  `gorm:"type:varchar(255)" json:"description"`
	ParentID     *uint64 `json:"parent_id"`
	SortOrder    int     `gorm:"default:0" json:"sort_order"`
	SyncColumns
}

type ReaderProfile struct {
	ProfileID      uint64     `gorm:"column:profile_id;primaryKey;autoIncrement" json:"profile_id"`
	UserID         uint64     `gorm:"not null" json:"user_id"`
	CardNumber     string     `gorm:"type:varchar(30);not null" json:"card_number"`
	Gender         string     `gorm:"type:varchar(10)" json:"gender"`
	Department     string     `gorm:"type:varchar(100)" json:"department"`
	MembershipType string     `gorm:"type:varchar(20)" json:"membership_type"`
	RegisterDate   *time.Time `gorm:"type:date" json:"register_date"`
	ExpireDate     *time.Time `gorm:"type:date" json:"expire_date"`
	MaxBorrow      int        `gorm:"default:5" json:"max_borrow"`
	SyncColumns
}

type Book struct {
	BookID      uint64     `gorm:"column:book_id;primaryKey;autoIncrement" json:"book_id"`
	Title       string     `gorm:"type:varchar(200);not null" json:"title"`
	Author      string     `gorm:"type:varchar(100)" json:"author"`
	ISBN        string     `gorm:"column:isbn;type:varchar(20);not null" json:"isbn"`
	Publisher   string     `gorm:"type:varchar(100)" json:"publisher"`
	PublishDate *time.Time `gorm:"type:date" json:"publish_date"`
	CategoryID  uint64     `gorm:"not null;default:1" json:"category_id"`
	Location    string     `gorm:"type:varchar(50)" json:"location"`
	Status      string     `gorm:"type:varchar(20)" json:"status"`
	Description string     `gorm:"type:text" json:"description"`
	CoverImage  string     `gorm:"type:varchar(255)" json:"cover_image"`
	SyncColumns
}

type BorrowRecord struct {
	RecordID   uint64     `gorm:"column:record_id;primaryKey;autoIncrement" json:"record_id"`
	ReaderID   uint64     `gorm:"not null" json:"reader_id"`
	BookID     uint64     `gorm:"not null" json:"book_id"`
	BorrowDate *time.Time `gorm:"type:date" json:"borrow_date"`
	DueDate    *time.Time `gorm:"type:date" json:"due_date"`
	ReturnDate *time.Time `gorm:"type:date" json:"return_date"`
	RenewCount int        `gorm:"default:0" json:"renew_count"`
	Status     string     `gorm:"type:varchar(20)" json:"status"`
	FineAmount float64    `gorm:"type:decimal(10,2);default:0" json:"fine_amount"`
	OperatorID *uint64    `json:"operator_id"`
	SyncColumns
}

// TrackedModels lists the replicated tables in dependency order for migrations.
func TrackedModels() []interface{} {
	return []interface{}{
		&SystemUser{}, &Category{}, &ReaderProfile{}, &Book{}, &BorrowRecord{},
	}
}

// SyncModels lists the bookkeeping tables every node carries.
func SyncModels() []interface{} {
	return []interface{}{&ChangeLog{}, &ConflictRecord{}, &SyncConfigEntry{}}
}
