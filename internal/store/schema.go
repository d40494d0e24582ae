package store

// Message roles. Ambient rows are untriggered chatter kept only for context.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
	RoleAmbient   = "ambient"
)

// Conversation is one addressable chat thread, platform-qualified.
// BoundaryMsgID is the session watermark: messages at or below it are
// excluded when history is replayed into a sandbox job.
type Conversation struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	BoundaryMsgID int64  `json:"boundary_msg_id"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// Message is one append-only row in a conversation's log.
type Message struct {
	ID             int64    `json:"id"`
	ConversationID string   `json:"conversation_id"`
	Role           string   `json:"role"`
	Content        string   `json:"content"`
	Attachments    []string `json:"attachments,omitempty"`
	CreatedAt      int64    `json:"created_at"`
	UpdatedAt      int64    `json:"updated_at"`
}

// ScheduledTask is a cron-driven prompt bound to a conversation.
type ScheduledTask struct {
	ID             int64  `json:"id"`
	ConversationID string `json:"conversation_id"`
	CronExpr       string `json:"cron_expr"`
	Prompt         string `json:"prompt"`
	Active         bool   `json:"active"`
	Silent         bool   `json:"silent"`
	NextRun        int64  `json:"next_run"`
	CreatedBy      string `json:"created_by"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// RoleGrant maps an external caller to a role within one conversation.
type RoleGrant struct {
	ConversationID string `json:"conversation_id"`
	CallerID       string `json:"caller_id"`
	Role           string `json:"role"`
	GrantedBy      string `json:"granted_by"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// ConfigEntry is one per-conversation key/value override.
type ConfigEntry struct {
	ConversationID string `json:"conversation_id"`
	Key            string `json:"key"`
	Value          string `json:"value"`
	UpdatedBy      string `json:"updated_by"`
	UpdatedAt      int64  `json:"updated_at"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	title TEXT DEFAULT '',
	boundary_msg_id INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	attachments TEXT DEFAULT '[]',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	prompt TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1,
	silent INTEGER NOT NULL DEFAULT 0,
	next_run INTEGER NOT NULL,
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(active, next_run);
CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON scheduled_tasks(conversation_id);

CREATE TABLE IF NOT EXISTS group_roles (
	conversation_id TEXT NOT NULL,
	caller_id TEXT NOT NULL,
	role TEXT NOT NULL,
	granted_by TEXT DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, caller_id)
);

CREATE TABLE IF NOT EXISTS group_config (
	conversation_id TEXT NOT NULL,
	key TEXT NOT NULL,
	value TEXT NOT NULL,
	updated_by TEXT DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, key)
);
`
