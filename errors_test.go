package chantal

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func ExampleError() {
	fmt.Println(&Error{
		Inner:   nil,
		Kind:    ErrInternal,
		Message: "test",
		Op:      "ExampleError",
	})

	fmt.Println(&Error{
		Inner:   sql.ErrNoRows,
		Kind:    ErrNotFound,
		Message: "needed object missing",
		Op:      "Lookup",
	})
	err := &Error{
		Inner: &Error{
			Inner:   sql.ErrNoRows,
			Kind:    ErrNotFound,
			Message: "needed object missing",
			Op:      "Lookup",
		},
		Kind: ErrTransient,
	}
	fmt.Println(err)
	fmt.Println(fmt.Errorf("somepackage: oops: %w", &Error{
		Inner:   sql.ErrNoRows,
		Kind:    ErrNotFound,
		Message: "needed object missing",
		Op:      "Lookup",
	}))

	// Output:
	// ExampleError [internal]: test
	// Lookup [not found]: needed object missing: sql: no rows in result set
	// Lookup [not found]: needed object missing: sql: no rows in result set
	// somepackage: oops: Lookup [not found]: needed object missing: sql: no rows in result set
}

func TestErrorIs(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("wrapped: %w", &Error{
		Inner:   fs.ErrNotExist,
		Kind:    ErrPoolCorruption,
		Message: "blob rehash disagrees",
		Op:      "pool/Pool.Verify",
	})
	if !errors.Is(err, ErrPoolCorruption) {
		t.Error("expected kind match through wrapping")
	}
	if errors.Is(err, ErrChecksumMismatch) {
		t.Error("unexpected kind match")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Error("expected inner match")
	}
	var domain *Error
	if !errors.As(err, &domain) {
		t.Fatal("expected an *Error in the chain")
	}
	if domain.Kind != ErrPoolCorruption {
		t.Errorf("got: %v, want: %v", domain.Kind, ErrPoolCorruption)
	}
}
