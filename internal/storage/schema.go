package storage

type JournalEntry struct {
	LogicalID     string
	Code          string
	Status        string
	CartSignature string
	LastScreen    string
	Finalized     bool
	Generation    int64
	CardBindAt    string
	LastChangeAt  string
}

type EventRecord struct {
	ID          int64
	SessionCode string
	Kind        string
	Detail      string
	CreatedAt   string
}
