package store

import "time"

// User owns accounts, rules and notifications. The engine reads users; it
// only writes the notification flag when a recipient becomes unreachable.
type User struct {
	ID                   uint64 `gorm:"primaryKey;autoIncrement"`
	TGID                 *int64 `gorm:"column:tg_id;uniqueIndex"`
	Username             string
	NotificationsEnabled bool `gorm:"column:tg_notifications"`
	ScrapeForwardMode    bool
	TargetChats          string // comma-separated destination chat ids
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (User) TableName() string { return "users" }

// Account is one authenticated messaging identity, keyed by phone number.
type Account struct {
	ID        string `gorm:"primaryKey"`
	Username  string `gorm:"index"`
	Active    bool
	ProxyID   *uint64
	CreatedBy uint64 `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Chats []Chat `gorm:"many2many:account_chats"`
}

func (Account) TableName() string { return "accounts" }

// Chat is a conversation observed by one or more accounts, keyed by its
// protocol-native id.
type Chat struct {
	ID        int64 `gorm:"primaryKey;autoIncrement:false"`
	Title     string
	Username  string
	Kind      string
	CreatedAt time.Time
	UpdatedAt time.Time

	Accounts []Account `gorm:"many2many:account_chats"`
}

func (Chat) TableName() string { return "chats" }

// Message is one persisted inbound message. Ingestion creates messages;
// only reconciliation mutates them afterwards.
type Message struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	MessageID        int    `gorm:"index"`
	ChatID           int64  `gorm:"index"`
	ChatTitle        string
	AccountID        string `gorm:"index"`
	SenderID         int64
	SenderUsername   string `gorm:"index"`
	Text             string
	BeforeUpdateText string
	IsDeleted        bool
	IsUpdated        bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Message) TableName() string { return "messages" }

// Filter is a per-user match rule used by scrape-and-forward mode. A user
// holds at most ten filters; creating more evicts the oldest.
type Filter struct {
	ID               uint64     `gorm:"primaryKey;autoIncrement"`
	UserID           uint64     `gorm:"index"`
	Username         StringList `gorm:"type:text"`
	ChatTitle        StringList `gorm:"type:text"`
	Content          StringList `gorm:"type:text"`
	StartsWith       StringList `gorm:"type:text"`
	TriggerCount     int
	ScrapeAndForward bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (Filter) TableName() string { return "user_filters" }

// Event is a per-user match rule that triggers notifications.
type Event struct {
	ID           uint64     `gorm:"primaryKey;autoIncrement"`
	UserID       uint64     `gorm:"index"`
	Username     StringList `gorm:"type:text"`
	ChatTitle    StringList `gorm:"type:text"`
	Content      StringList `gorm:"type:text"`
	StartsWith   StringList `gorm:"type:text"`
	TriggerCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (Event) TableName() string { return "user_events" }

// Proxy is a network egress descriptor. At most one account uses a proxy at
// a time; allocation marks it in use atomically.
type Proxy struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Host      string
	Port      int
	Type      string
	Login     string
	Password  string
	Location  string `gorm:"index"`
	InUse     bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Proxy) TableName() string { return "proxies" }

// Notification is a stored notification record for a triggered event.
type Notification struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	UserID    uint64 `gorm:"index"`
	EventID   *uint64
	Text      string
	Read      bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Notification) TableName() string { return "notifications" }
