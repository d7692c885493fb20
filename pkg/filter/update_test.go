package filter

import (
	"errors"
	"testing"
)

func TestApplySetCreatesIntermediateObjects(t *testing.T) {
	u, err := ParseUpdate(map[string]any{"$set": map[string]any{"address.city": "NYC"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := map[string]any{}
	if err := Apply(u, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addr, ok := payload["address"].(map[string]any)
	if !ok {
		t.Fatalf("expected address object, got %+v", payload)
	}
	if addr["city"] != "NYC" {
		t.Errorf("city = %v, want NYC", addr["city"])
	}
}

func TestApplySetIsIdempotent(t *testing.T) {
	u, _ := ParseUpdate(map[string]any{"$set": map[string]any{"name": "Ada"}})
	p1 := map[string]any{"name": "old"}
	p2 := map[string]any{"name": "old"}

	_ = Apply(u, p1)
	_ = Apply(u, p1)
	_ = Apply(u, p2)

	if p1["name"] != p2["name"] {
		t.Errorf("applying $set twice should equal applying it once: %v vs %v", p1, p2)
	}
}

func TestApplyUnset(t *testing.T) {
	u, _ := ParseUpdate(map[string]any{"$unset": map[string]any{"age": ""}})
	payload := map[string]any{"age": 30, "name": "Ada"}
	if err := Apply(u, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := payload["age"]; ok {
		t.Errorf("expected age to be removed, got %+v", payload)
	}
}

func TestApplyIncAbsentTreatedAsZero(t *testing.T) {
	u, _ := ParseUpdate(map[string]any{"$inc": map[string]any{"views": 5.0}})
	payload := map[string]any{}
	if err := Apply(u, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload["views"] != 5.0 {
		t.Errorf("views = %v, want 5", payload["views"])
	}
}

func TestApplyIncOnStringIsError(t *testing.T) {
	u, _ := ParseUpdate(map[string]any{"$inc": map[string]any{"name": 1.0}})
	payload := map[string]any{"name": "Ada"}
	if err := Apply(u, payload); !errors.Is(err, ErrNonNumeric) {
		t.Errorf("expected ErrNonNumeric, got %v", err)
	}
}

func TestApplyMul(t *testing.T) {
	u, _ := ParseUpdate(map[string]any{"$mul": map[string]any{"price": 2.0}})
	payload := map[string]any{"price": 10.0}
	if err := Apply(u, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload["price"] != 20.0 {
		t.Errorf("price = %v, want 20", payload["price"])
	}
}

func TestApplyPush(t *testing.T) {
	u, _ := ParseUpdate(map[string]any{"$push": map[string]any{"tags": "new"}})
	payload := map[string]any{"tags": []any{"old"}}
	if err := Apply(u, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tags := payload["tags"].([]any)
	if len(tags) != 2 || tags[1] != "new" {
		t.Errorf("unexpected tags: %v", tags)
	}
}

func TestApplyPull(t *testing.T) {
	u, _ := ParseUpdate(map[string]any{"$pull": map[string]any{"tags": "old"}})
	payload := map[string]any{"tags": []any{"old", "new", "old"}}
	if err := Apply(u, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tags := payload["tags"].([]any)
	if len(tags) != 1 || tags[0] != "new" {
		t.Errorf("unexpected tags after pull: %v", tags)
	}
}

func TestApplyAddToSetDedupes(t *testing.T) {
	u, _ := ParseUpdate(map[string]any{"$addToSet": map[string]any{"tags": "dup"}})
	payload := map[string]any{"tags": []any{"dup"}}
	if err := Apply(u, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tags := payload["tags"].([]any)
	if len(tags) != 1 {
		t.Errorf("expected no duplicate added, got %v", tags)
	}
}

func TestParseUpdateUnknownOperator(t *testing.T) {
	if _, err := ParseUpdate(map[string]any{"$bogus": map[string]any{}}); !errors.Is(err, ErrUnknownOperator) {
		t.Errorf("expected ErrUnknownOperator, got %v", err)
	}
}

func TestParseUpdateSetRejectsReservedField(t *testing.T) {
	_, err := ParseUpdate(map[string]any{"$set": map[string]any{"_id": "x"}})
	if !errors.Is(err, ErrReservedField) {
		t.Errorf("expected ErrReservedField, got %v", err)
	}
}

func TestIsEmpty(t *testing.T) {
	u, _ := ParseUpdate(map[string]any{})
	if !u.IsEmpty() {
		t.Error("expected empty update to report IsEmpty() == true")
	}
}
