package models

// Identity is the public half of a local account. The private key is held by the
// keystore only and is never part of this struct.
type Identity struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	PublicKey []byte `json:"public_key"`
	CreatedAt int64  `json:"created_at"`
}

// Party names one side of a file exchange.
type Party struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Candidate is a relay search result.
type Candidate struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	PublicKey []byte `json:"public_key"`
}
