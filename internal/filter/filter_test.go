package filter

import (
	"testing"

	"tgdigest/internal/model"
)

func msg(text string) model.Message {
	return model.Message{ChannelID: "c", MessageID: 1, Text: text}
}

func TestMatchVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		tags []model.InterestTag
		text string
		want bool
	}{
		{name: "empty set matches all", tags: nil, text: "anything", want: true},
		{name: "substring", tags: []model.InterestTag{{Pattern: "golang"}}, text: "New golang release", want: true},
		{name: "case insensitive default", tags: []model.InterestTag{{Pattern: "GoLang"}}, text: "new golang release", want: true},
		{name: "case sensitive miss", tags: []model.InterestTag{{Pattern: "GoLang", CaseSensitive: true}}, text: "new golang release", want: false},
		{name: "any of", tags: []model.InterestTag{{Pattern: "rust"}, {Pattern: "zig"}}, text: "zig 0.14 is out", want: true},
		{name: "no match", tags: []model.InterestTag{{Pattern: "rust"}}, text: "python news", want: false},
		{name: "regex", tags: []model.InterestTag{{Pattern: `v\d+\.\d+`, IsRegex: true}}, text: "released v1.24 today", want: true},
		{name: "regex case insensitive", tags: []model.InterestTag{{Pattern: `^breaking`, IsRegex: true}}, text: "BREAKING: outage", want: true},
		{name: "whole word hit", tags: []model.InterestTag{{Pattern: "ai", WholeWord: true}}, text: "new AI model", want: true},
		{name: "whole word miss", tags: []model.InterestTag{{Pattern: "ai", WholeWord: true}}, text: "the main event", want: false},
		{name: "whole word later hit", tags: []model.InterestTag{{Pattern: "ai", WholeWord: true}}, text: "maintain ai", want: true},
		{name: "synonym", tags: []model.InterestTag{{Pattern: "AI", Synonyms: []string{"机器学习"}}}, text: "关于机器学习的文章", want: true},
		{name: "only blank tags match all", tags: []model.InterestTag{{Pattern: ""}, {Pattern: "   "}}, text: "anything", want: true},
		{name: "blank pattern ignored", tags: []model.InterestTag{{Pattern: "  "}, {Pattern: "kernel"}}, text: "kernel 6.18", want: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := Compile(tt.tags)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if got := s.Match(msg(tt.text)); got != tt.want {
				t.Fatalf("Match(%q) = %v, want %v", tt.text, got, tt.want)
			}
			if got := Matches(msg(tt.text), tt.tags); got != tt.want {
				t.Fatalf("Matches(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestCompileRejectsBadRegex(t *testing.T) {
	t.Parallel()
	if _, err := Compile([]model.InterestTag{{Pattern: "(", IsRegex: true}}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
	if Matches(msg("("), []model.InterestTag{{Pattern: "(", IsRegex: true}}) {
		t.Fatal("invalid regex must not match")
	}
}

func TestMediaPlaceholder(t *testing.T) {
	t.Parallel()
	m := model.Message{ChannelID: "c", MessageID: 2, ContentType: model.ContentPhoto}
	s := MustCompile([]model.InterestTag{{Pattern: "[photo]"}})
	if !s.Match(m) {
		t.Fatal("photo placeholder should be matchable")
	}
}

func TestMatchedNames(t *testing.T) {
	t.Parallel()
	s := MustCompile([]model.InterestTag{{Pattern: "go"}, {Pattern: "db"}, {Pattern: "k8s"}})
	got := s.Matched(msg("go db tips"))
	if len(got) != 2 || got[0] != "go" || got[1] != "db" {
		t.Fatalf("Matched = %v", got)
	}
}
