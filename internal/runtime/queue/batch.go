package queue

import "fmt"

const (
	DefaultMaxItems = 100
	DefaultMaxBytes = 256 << 10
)

// Limits bounds one batch handed to the transport.
type Limits struct {
	MaxItems int `yaml:"max_items"`
	MaxBytes int `yaml:"max_bytes"`
}

// WithDefaults fills zero fields.
func (l Limits) WithDefaults() Limits {
	if l.MaxItems <= 0 {
		l.MaxItems = DefaultMaxItems
	}
	if l.MaxBytes <= 0 {
		l.MaxBytes = DefaultMaxBytes
	}
	return l
}

func (l Limits) Validate() error {
	if l.MaxItems < 0 {
		return fmt.Errorf("queue: max items cannot be negative, got %d", l.MaxItems)
	}
	if l.MaxBytes < 0 {
		return fmt.Errorf("queue: max bytes cannot be negative, got %d", l.MaxBytes)
	}
	return nil
}

// BuildBatches packs items greedily, preserving order. The open batch is
// closed before an item when adding it would bring the running byte total
// to MaxBytes or more, or when the batch already holds MaxItems. An item
// larger than MaxBytes is never dropped: it becomes a batch of its own.
func BuildBatches(items [][]byte, limits Limits) [][][]byte {
	limits = limits.WithDefaults()

	var (
		batches [][][]byte
		current [][]byte
		running int
	)
	for _, item := range items {
		if len(current) > 0 && (running+len(item) >= limits.MaxBytes || len(current) >= limits.MaxItems) {
			batches = append(batches, current)
			current = nil
			running = 0
		}
		current = append(current, item)
		running += len(item)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
