package domain

import "time"

// StoredDomainData is a custom domain purchased by a user.
type StoredDomainData struct {
	Domain         string    `json:"domain"`
	PurchaseDate   time.Time `json:"purchaseDate"`
	Price          float64   `json:"price"`
	CustomerID     string    `json:"customerId"`
	VercelDomainID string    `json:"vercelDomainId,omitempty"`
	UserEmail      string    `json:"userEmail"`
}

// SessionFile is one file captured from a sandbox workspace.
type SessionFile struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Mode    int64  `json:"mode"`
}

// SessionFileSet is the saved file collection of a chat session.
type SessionFileSet struct {
	SessionID  string        `json:"sessionId"`
	SandboxID  string        `json:"sandboxId"`
	OwnerEmail string        `json:"ownerEmail"`
	Files      []SessionFile `json:"files"`
	SavedAt    time.Time     `json:"savedAt"`
}
