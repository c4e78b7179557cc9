package audit

import "context"

// NoOpLogStore is used when the off-chain log is disabled
type NoOpLogStore struct{}

func NewNoOpLogStore() LogStore {
	return new(NoOpLogStore)
}

func (n *NoOpLogStore) Insert(_ context.Context, entry LogEntry) (string, error) {
	return entry.ID, nil
}

func (n *NoOpLogStore) Query(_ context.Context, _ QueryOptions) ([]LogEntry, error) {
	return nil, nil
}

func (n *NoOpLogStore) Close() error {
	return nil
}
