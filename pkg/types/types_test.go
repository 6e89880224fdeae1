package types

import (
	"errors"
	"strings"
	"testing"
)

func TestGenerateIDPrefixes(t *testing.T) {
	tests := []struct {
		fact   Fact
		prefix byte
	}{
		{&Decision{FactMeta: FactMeta{Project: "demo"}, Name: "n"}, 'd'},
		{&Progress{FactMeta: FactMeta{Project: "demo"}, Milestone: "m"}, 'p'},
		{&Pattern{FactMeta: FactMeta{Project: "demo"}, Name: "n"}, 'c'},
	}

	for _, tt := range tests {
		id := tt.fact.GenerateID()
		if len(id) != 8 {
			t.Errorf("GenerateID() = %q, want 8 chars", id)
		}
		if id[0] != tt.prefix {
			t.Errorf("GenerateID() = %q, want prefix %c", id, tt.prefix)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		fact    Fact
		wantErr bool
	}{
		{"valid decision", &Decision{
			FactMeta: FactMeta{Project: "demo"}, Name: "n", Decision: "d",
		}, false},
		{"decision without name", &Decision{
			FactMeta: FactMeta{Project: "demo"}, Decision: "d",
		}, true},
		{"decision without project", &Decision{
			Name: "n", Decision: "d",
		}, true},
		{"valid progress", &Progress{
			FactMeta: FactMeta{Project: "demo"}, Milestone: "m", Status: ProgressBlocked,
		}, false},
		{"progress with unknown status", &Progress{
			FactMeta: FactMeta{Project: "demo"}, Milestone: "m", Status: "done",
		}, true},
		{"valid pattern", &Pattern{
			FactMeta: FactMeta{Project: "demo"}, Name: "n", Content: "c",
		}, false},
		{"pattern without content", &Pattern{
			FactMeta: FactMeta{Project: "demo"}, Name: "n",
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fact.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("Validate() err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestEmbeddingTextSkipsEmptyFields(t *testing.T) {
	d := &Decision{Name: "Use SQLite", Decision: "One file per project"}
	text := d.EmbeddingText()

	if strings.Contains(text, "\n\n") {
		t.Errorf("EmbeddingText() = %q, empty fields should not leave blank lines", text)
	}
	if !strings.Contains(text, "Use SQLite") || !strings.Contains(text, "One file per project") {
		t.Errorf("EmbeddingText() = %q, want both fields", text)
	}

	p := &Progress{Milestone: "auth", Status: ProgressBlocked, Blockers: []string{"waiting on keys"}}
	if !strings.Contains(p.EmbeddingText(), "waiting on keys") {
		t.Errorf("EmbeddingText() = %q, want blockers included", p.EmbeddingText())
	}
}

func TestValidTable(t *testing.T) {
	for _, table := range Tables {
		if !ValidTable(table) {
			t.Errorf("ValidTable(%s) = false", table)
		}
	}
	if ValidTable("chunks") {
		t.Error("ValidTable(chunks) = true, want false")
	}
}
