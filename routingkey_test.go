package pulse

import (
	"reflect"
	"testing"
)

func TestParseRoutingKeyNoMultipleWords(t *testing.T) {
	ref := []KeyPart{{Name: "kind"}, {Name: "action"}}

	got, err := ParseRoutingKey("task.created", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{"kind": "task", "action": "created"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseRoutingKeyNoMultipleWordsWrongArity(t *testing.T) {
	ref := []KeyPart{{Name: "kind"}, {Name: "action"}}

	if _, err := ParseRoutingKey("task.created.extra", ref); err == nil {
		t.Fatal("expected an error for a routing key with too many parts")
	}
}

func TestParseRoutingKeyWithMultipleWordsInMiddle(t *testing.T) {
	ref := []KeyPart{
		{Name: "provisionerId"},
		{Name: "workerType", MultipleWords: true},
		{Name: "workerId"},
		{Name: "action"},
	}

	got, err := ParseRoutingKey("aws.ec2.c5.4xlarge.worker-123.started", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{
		"provisionerId": "aws",
		"workerType":    "ec2.c5.4xlarge",
		"workerId":      "worker-123",
		"action":        "started",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseRoutingKeyWithMultipleWordsAtTail(t *testing.T) {
	ref := []KeyPart{
		{Name: "kind"},
		{Name: "rest", MultipleWords: true},
	}

	got, err := ParseRoutingKey("task.a.b.c", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{"kind": "task", "rest": "a.b.c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseRoutingKeyWithEmptyMultipleWords(t *testing.T) {
	ref := []KeyPart{
		{Name: "kind"},
		{Name: "rest", MultipleWords: true},
		{Name: "action"},
	}

	got, err := ParseRoutingKey("task.created", ref)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{"kind": "task", "rest": "", "action": "created"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseRoutingKeyRejectsTwoMultipleWordsParts(t *testing.T) {
	ref := []KeyPart{
		{Name: "a", MultipleWords: true},
		{Name: "b", MultipleWords: true},
	}

	if _, err := ParseRoutingKey("x.y", ref); err == nil {
		t.Fatal("expected an error for a reference with two multiple-words parts")
	}
}

func TestParseRoutingKeyTooFewPartsForReference(t *testing.T) {
	ref := []KeyPart{
		{Name: "a"},
		{Name: "b", MultipleWords: true},
		{Name: "c"},
		{Name: "d"},
	}

	if _, err := ParseRoutingKey("x.y", ref); err == nil {
		t.Fatal("expected an error when the key has fewer parts than the reference requires")
	}
}
