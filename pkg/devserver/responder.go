package devserver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// FirstMessage opens a new user's conversation.
const FirstMessage = "说说看，最近有什么让你觉得\"不对劲\"的？\n\n一件事就行，具体点说。"

// DailyQuestions feed the reminder endpoints.
var DailyQuestions = []string{
	"今天你花时间最多的事是什么？这件事在把你推向哪里？",
	"如果今天是你生命的最后一天，你还会做今天做的事吗？",
	"你今天的行动，是在靠近你想成为的人，还是远离？",
	"今天有什么时刻你觉得自己在'伪装'？",
	"你今天做的决定，是基于自己的价值观，还是别人的期待？",
	"如果你完全不怕失败，今天你会多做哪件事？",
	"你今天拖延的事情，实际上是在保护你免受什么？",
}

var whysQuestions = []string{
	"你反复抱怨却从未真正改变的是什么？",
	"如果接下来五年什么都不变，一个普通的周二会是什么样？",
	"你真正想要的是什么？为什么想要这个？",
	"这个'为什么'背后还有为什么吗？",
}

// Message is one stored conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Responder produces the assistant reply for history, whose last entry is
// the new user message. Returned chunks are streamed in order; a non-nil
// error is reported after them as an [ERROR] line and nothing is stored.
type Responder interface {
	Respond(ctx context.Context, history []Message) ([]string, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, history []Message) ([]string, error)

func (f ResponderFunc) Respond(ctx context.Context, history []Message) ([]string, error) {
	return f(ctx, history)
}

// ReflectResponder mirrors the user's words back with a probing question.
type ReflectResponder struct {
	ChunkRunes int
}

func (r ReflectResponder) Respond(_ context.Context, history []Message) ([]string, error) {
	var last string
	if n := len(history); n > 0 {
		last = strings.TrimSpace(history[n-1].Content)
	}
	question := whysQuestions[(len(history)/2)%len(whysQuestions)]
	reply := fmt.Sprintf("你说：「%s」。%s", last, question)
	size := r.ChunkRunes
	if size <= 0 {
		size = 4
	}
	return Chunk(reply, size), nil
}

// Chunk splits text into pieces of at most size runes.
func Chunk(text string, size int) []string {
	runes := []rune(text)
	if size <= 0 || len(runes) <= size {
		return []string{text}
	}
	out := make([]string, 0, len(runes)/size+1)
	for len(runes) > 0 {
		n := min(size, len(runes))
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

var insightPattern = regexp.MustCompile(`\[洞察:([^\]]*)\]`)

// extractInsights returns the trimmed bodies of [洞察: ...] markers.
func extractInsights(text string) []string {
	var out []string
	for _, m := range insightPattern.FindAllStringSubmatch(text, -1) {
		if insight := strings.TrimSpace(m[1]); insight != "" {
			out = append(out, insight)
		}
	}
	return out
}

// mergeInsights appends new insights without duplicates, keeping the last limit.
func mergeInsights(existing, found []string, limit int) []string {
	seen := make(map[string]struct{}, len(existing)+len(found))
	out := make([]string, 0, len(existing)+len(found))
	for _, v := range append(append([]string(nil), existing...), found...) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
