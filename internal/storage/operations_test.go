package storage

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func sampleOperation(id string) *Operation {
	return &Operation{
		ID:             id,
		SessionID:      "session-1",
		PrimaryAddress: "0xabc",
		Sender:         "0x2222222222222222222222222222222222222222",
		Recipient:      "0x1111111111111111111111111111111111111111",
		Value:          "1000",
		Data:           "0x",
		State:          OperationSubmitting,
	}
}

func TestOperationCRUD(t *testing.T) {
	store := setupTestStorage(t)

	op := sampleOperation("op-1")
	if err := store.SaveOperation(op); err != nil {
		t.Fatalf("SaveOperation: %v", err)
	}
	if op.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	got, err := store.GetOperation("op-1")
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.State != OperationSubmitting || got.Value != "1000" || got.Recipient != op.Recipient {
		t.Errorf("got %+v", got)
	}
	if got.Success != nil {
		t.Error("success should be NULL before confirmation")
	}
	if got.Handle != "" {
		t.Errorf("handle = %q, want empty", got.Handle)
	}

	// Submitted then confirmed.
	op.Handle = "0xfeed"
	op.State = OperationAwaiting
	if err := store.SaveOperation(op); err != nil {
		t.Fatalf("SaveOperation awaiting: %v", err)
	}
	success := false
	op.State = OperationConfirmed
	op.Success = &success
	op.Reason = "0x08c379a0"
	op.TxHash = "0xbeef"
	op.Attempts = 3
	if err := store.SaveOperation(op); err != nil {
		t.Fatalf("SaveOperation confirmed: %v", err)
	}

	got, err = store.GetOperationByHandle("0xfeed")
	if err != nil {
		t.Fatalf("GetOperationByHandle: %v", err)
	}
	if got.ID != "op-1" || got.State != OperationConfirmed {
		t.Errorf("got %s in %s", got.ID, got.State)
	}
	if got.Success == nil || *got.Success {
		t.Errorf("success = %v, want false (reverted)", got.Success)
	}
	if got.Attempts != 3 || got.TxHash != "0xbeef" || got.Reason != "0x08c379a0" {
		t.Errorf("receipt fields = %+v", got)
	}
}

func TestOperationNotFound(t *testing.T) {
	store := setupTestStorage(t)

	if _, err := store.GetOperation("nope"); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("expected ErrOperationNotFound, got %v", err)
	}
	if _, err := store.GetOperationByHandle("0x00"); !errors.Is(err, ErrOperationNotFound) {
		t.Errorf("expected ErrOperationNotFound, got %v", err)
	}
}

func TestOperationFailureFields(t *testing.T) {
	store := setupTestStorage(t)

	op := sampleOperation("op-f")
	op.State = OperationFailed
	op.ErrorStage = "sponsor"
	op.ErrorKind = "sponsorship_denied"
	op.ErrorMessage = "policy rejected operation"
	if err := store.SaveOperation(op); err != nil {
		t.Fatalf("SaveOperation: %v", err)
	}
	got, err := store.GetOperation("op-f")
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if got.ErrorStage != "sponsor" || got.ErrorKind != "sponsorship_denied" || got.ErrorMessage == "" {
		t.Errorf("failure fields = %+v", got)
	}
}

func TestListOperations(t *testing.T) {
	store := setupTestStorage(t)

	states := []OperationState{OperationConfirmed, OperationTimedOut, OperationIndeterminate, OperationFailed}
	for i, st := range states {
		op := sampleOperation(string(rune('a' + i)))
		op.State = st
		op.Handle = "0x0" + string(rune('a'+i))
		if i == 3 {
			op.Sender = "0x3333333333333333333333333333333333333333"
			op.Handle = ""
		}
		if err := store.SaveOperation(op); err != nil {
			t.Fatalf("SaveOperation: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter OperationFilter
		want   int
	}{
		{"all", OperationFilter{}, 4},
		{"limit", OperationFilter{Limit: 2}, 2},
		{"by sender", OperationFilter{Sender: "0x2222222222222222222222222222222222222222"}, 3},
		{"by sender case-insensitive", OperationFilter{Sender: "0X2222222222222222222222222222222222222222"}, 3},
		{"by state", OperationFilter{States: []OperationState{OperationFailed}}, 1},
		{"by two states", OperationFilter{States: []OperationState{OperationTimedOut, OperationConfirmed}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, err := store.ListOperations(tt.filter)
			if err != nil {
				t.Fatalf("ListOperations: %v", err)
			}
			if len(ops) != tt.want {
				t.Errorf("got %d operations, want %d", len(ops), tt.want)
			}
		})
	}

	unresolved, err := store.GetUnresolvedOperations(0, 0)
	if err != nil {
		t.Fatalf("GetUnresolvedOperations: %v", err)
	}
	if len(unresolved) != 2 {
		t.Errorf("unresolved = %d, want 2", len(unresolved))
	}
	for _, op := range unresolved {
		if !op.State.Unresolved() {
			t.Errorf("state %s returned as unresolved", op.State)
		}
	}

	counts, err := store.CountOperations()
	if err != nil {
		t.Fatalf("CountOperations: %v", err)
	}
	if counts[OperationConfirmed] != 1 || counts[OperationFailed] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestMarkStaleAwaiting(t *testing.T) {
	store := setupTestStorage(t)

	awaiting := sampleOperation("w")
	awaiting.State = OperationAwaiting
	awaiting.Handle = "0x01"
	preSubmit := sampleOperation("s")
	done := sampleOperation("c")
	done.State = OperationConfirmed
	done.Handle = "0x02"
	denied := sampleOperation("d")
	denied.State = OperationFailed
	denied.ErrorStage = "sponsor"
	denied.ErrorKind = "sponsorship_denied"
	for _, op := range []*Operation{awaiting, preSubmit, done, denied} {
		if err := store.SaveOperation(op); err != nil {
			t.Fatalf("SaveOperation: %v", err)
		}
	}

	n, err := store.MarkStaleAwaiting()
	if err != nil {
		t.Fatalf("MarkStaleAwaiting: %v", err)
	}
	if n != 2 {
		t.Errorf("changed %d rows, want 2", n)
	}

	tests := []struct {
		id    string
		state OperationState
		stage string
		kind  string
	}{
		{"w", OperationIndeterminate, "", ""},
		{"s", OperationFailed, "submit", "cancelled"},
		{"c", OperationConfirmed, "", ""},
		{"d", OperationFailed, "sponsor", "sponsorship_denied"},
	}
	for _, tt := range tests {
		got, err := store.GetOperation(tt.id)
		if err != nil {
			t.Fatalf("GetOperation(%s): %v", tt.id, err)
		}
		if got.State != tt.state {
			t.Errorf("%s: state = %s, want %s", tt.id, got.State, tt.state)
		}
		if got.ErrorStage != tt.stage || got.ErrorKind != tt.kind {
			t.Errorf("%s: error = %s/%s, want %s/%s", tt.id, got.ErrorStage, got.ErrorKind, tt.stage, tt.kind)
		}
	}

	// A second run finds nothing left in flight.
	if n, err := store.MarkStaleAwaiting(); err != nil || n != 0 {
		t.Errorf("second run changed %d rows (err %v), want 0", n, err)
	}
}

func TestGetUnresolvedOperationsPaging(t *testing.T) {
	store := setupTestStorage(t)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		op := sampleOperation(id)
		op.State = OperationTimedOut
		if i%2 == 1 {
			op.State = OperationIndeterminate
		}
		op.Handle = fmt.Sprintf("0x%02x", i+1)
		op.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.SaveOperation(op); err != nil {
			t.Fatalf("SaveOperation: %v", err)
		}
	}
	settled := sampleOperation("z")
	settled.State = OperationConfirmed
	if err := store.SaveOperation(settled); err != nil {
		t.Fatalf("SaveOperation: %v", err)
	}

	tests := []struct {
		limit, offset int
		want          []string
	}{
		{2, 0, []string{"a", "b"}},
		{2, 2, []string{"c", "d"}},
		{2, 4, []string{"e"}},
		{2, 6, nil},
		{0, 3, []string{"a", "b", "c", "d", "e"}},
	}
	for _, tt := range tests {
		ops, err := store.GetUnresolvedOperations(tt.limit, tt.offset)
		if err != nil {
			t.Fatalf("GetUnresolvedOperations(%d, %d): %v", tt.limit, tt.offset, err)
		}
		var got []string
		for _, op := range ops {
			got = append(got, op.ID)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("GetUnresolvedOperations(%d, %d) = %v, want %v", tt.limit, tt.offset, got, tt.want)
		}
	}
}
