package rolecheck

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
)

const (
	defaultIntroTitle = "VALORANT ロール診断（Gachi/Enjoy）"
	defaultIntroText  = "この診断は、コンペにおけるプレイスタイルのズレを減らすためのものです。\n\n" +
		"・Gachi：勝利のためにチームワーク/改善/戦略に寄せる\n" +
		"・Enjoy：勝敗よりも雰囲気や気軽さを重視する\n\n" +
		"※どちらでもコール/報告は前提です。\n" +
		"※マップ名称が分からない等の初心者要素は、改善しつつ大目に見てください。\n\n" +
		"準備ができたら「開始」を押してね。"
)

// defaultQuestions is used when no question catalogue exists on disk at
// startup. Reloads never fall back to it.
var defaultQuestions = QuestionSet{
	{
		Prompt: "Q1. 今日のコンペの目的に一番近いのは？",
		Choices: []Choice{
			{Label: "ランクを上げたい。勝つために合わせたい", Score: 3},
			{Label: "勝ちたいけど、雰囲気も大事。両立したい", Score: 2},
			{Label: "できれば勝ちたいけど、気楽にやりたい", Score: 1},
			{Label: "勝敗は二の次。みんなで遊べればOK", Score: 0},
		},
	},
}

// DefaultQuestionSet returns the built-in question catalogue, mainly so
// `init` can seed an editable copy on disk.
func DefaultQuestionSet() QuestionSet {
	out := make(QuestionSet, len(defaultQuestions))
	copy(out, defaultQuestions)
	return out
}

// Choice is one selectable answer. On disk it's the two-element array
// `[label, score]` the original data files use.
type Choice struct {
	Label string
	Score int
}

// UnmarshalJSON decodes the `[label, score]` pair form.
func (c *Choice) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("choice must be a [label, score] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &c.Label); err != nil {
		return fmt.Errorf("choice label: %w", err)
	}
	if err := json.Unmarshal(pair[1], &c.Score); err != nil {
		return fmt.Errorf("choice score: %w", err)
	}
	return nil
}

// MarshalJSON encodes back to the `[label, score]` pair form.
func (c Choice) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{c.Label, c.Score})
}

// maxChoicesPerQuestion is the render limit: Discord allows five action
// rows per message, and the dialog lays out two choice buttons per row.
const maxChoicesPerQuestion = 10

// Question is a single prompt with two to ten scored choices.
type Question struct {
	Prompt  string   `json:"q"`
	Choices []Choice `json:"choices"`
}

func (q Question) maxChoiceScore() int {
	best := 0
	for i, c := range q.Choices {
		if i == 0 || c.Score > best {
			best = c.Score
		}
	}
	return best
}

// QuestionSet is a validated, ordered question catalogue.
type QuestionSet []Question

// MaxScore is the total achievable by always picking the highest-scored
// choice of each question.
func (qs QuestionSet) MaxScore() int {
	total := 0
	for _, q := range qs {
		total += q.maxChoiceScore()
	}
	return total
}

// sessionCopy returns a session-private deep copy: question order is
// stable, but each question's choice order is independently shuffled.
// The copy is fixed for the life of the session - every render of
// question i uses the same ordering.
func (qs QuestionSet) sessionCopy() QuestionSet {
	out := make(QuestionSet, len(qs))
	for i, q := range qs {
		choices := make([]Choice, len(q.Choices))
		copy(choices, q.Choices)
		rand.Shuffle(
			len(choices), func(a, b int) {
				choices[a], choices[b] = choices[b], choices[a]
			},
		)
		out[i] = Question{Prompt: q.Prompt, Choices: choices}
	}
	return out
}

// LoadQuestionSet reads and validates a question catalogue. Entries that
// are malformed (empty prompt, fewer than two well-formed choices, more
// choices than the dialog can render) are dropped silently; if nothing
// valid remains, the load fails and the caller's committed set stays in
// effect.
func LoadQuestionSet(path string) (QuestionSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	var raw []json.RawMessage
	if err = json.Unmarshal(data, &raw); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	out := make(QuestionSet, 0, len(raw))
	for _, entry := range raw {
		var q Question
		if json.Unmarshal(entry, &q) != nil {
			continue
		}
		if q.Prompt == "" || len(q.Choices) < 2 || len(q.Choices) > maxChoicesPerQuestion {
			continue
		}
		out = append(out, q)
	}
	if len(out) == 0 {
		return nil, &ConfigError{
			Path: path,
			Err:  errors.New("no valid questions in catalogue"),
		}
	}
	return out, nil
}

// IntroContent is the title/text shown on the intro dialog.
type IntroContent struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// DefaultIntro returns the built-in intro content.
func DefaultIntro() IntroContent {
	return IntroContent{Title: defaultIntroTitle, Text: defaultIntroText}
}

// LoadIntro reads intro content from path.
func LoadIntro(path string) (IntroContent, error) {
	var intro IntroContent
	data, err := os.ReadFile(path)
	if err != nil {
		return intro, &ConfigError{Path: path, Err: err}
	}
	if err = json.Unmarshal(data, &intro); err != nil {
		return intro, &ConfigError{Path: path, Err: err}
	}
	if intro.Title == "" || intro.Text == "" {
		return intro, &ConfigError{
			Path: path,
			Err:  errors.New("intro requires both title and text"),
		}
	}
	return intro, nil
}
