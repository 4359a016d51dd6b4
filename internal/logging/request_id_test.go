package logging

import (
	"testing"

	"github.com/google/uuid"
)

func TestGenerateRequestID(t *testing.T) {
	id1 := GenerateRequestID()
	id2 := GenerateRequestID()

	if id1 == "" || id2 == "" {
		t.Fatal("GenerateRequestID returned empty string")
	}
	if id1 == id2 {
		t.Errorf("GenerateRequestID returned duplicate IDs: %s", id1)
	}
	if _, err := uuid.Parse(id1); err != nil {
		t.Errorf("request ID %q is not a UUID: %v", id1, err)
	}
}

func TestGenerateRequestIDUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	count := 1000

	for i := 0; i < count; i++ {
		id := GenerateRequestID()
		if ids[id] {
			t.Errorf("Duplicate request ID generated: %s", id)
		}
		ids[id] = true
	}
}
