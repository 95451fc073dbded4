package persistence

import "database/sql"

// Persistence bundles the store interfaces so the engine can depend on a
// single abstraction.
type Persistence struct {
	Subjects    SubjectStore
	Rules       RuleStore
	Sequences   SequenceStore
	Enrollments EnrollmentStore
	SequenceLog SequenceLogStore
	Inbound     InboundLogStore
	APIKeys     APIKeyStore
}

// NewInMemoryPersistence returns a Persistence whose stores all share one
// InMemoryStore.
func NewInMemoryPersistence() Persistence {
	mem := NewInMemoryStore()
	return Persistence{
		Subjects:    mem,
		Rules:       mem,
		Sequences:   mem,
		Enrollments: mem,
		SequenceLog: mem,
		Inbound:     mem,
		APIKeys:     mem,
	}
}

// NewSQLitePersistence initializes the schema in db and returns a Persistence
// whose stores all share one SQLiteStore.
func NewSQLitePersistence(db *sql.DB) (Persistence, error) {
	s, err := NewSQLiteStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{
		Subjects:    s,
		Rules:       s,
		Sequences:   s,
		Enrollments: s,
		SequenceLog: s,
		Inbound:     s,
		APIKeys:     s,
	}, nil
}
