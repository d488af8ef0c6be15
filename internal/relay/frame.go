package relay

import (
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/prompted/csvrelay/internal/csvdata"
)

// requestFrame is the body of every stage request: {"id","pattern","data"}.
type requestFrame struct {
	ID      string          `json:"id"`
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data"`
}

// replyFrame is the body of every reply: {"id","response","err","isDisposed"}.
type replyFrame struct {
	ID         string `json:"id"`
	Response   *Reply `json:"response"`
	Err        any    `json:"err"`
	IsDisposed bool   `json:"isDisposed"`
}

func encodeRequest(id string, stage Stage, env any) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	body, err := json.Marshal(requestFrame{ID: id, Pattern: stage.Pattern(), Data: data})
	if err != nil {
		return nil, errors.Wrap(err, "marshal request")
	}
	return body, nil
}

func decodeRequest(body []byte) (requestFrame, Stage, error) {
	var f requestFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return requestFrame{}, 0, errors.Wrap(err, "unmarshal request")
	}
	stage, ok := StageForPattern(f.Pattern)
	if !ok {
		return requestFrame{}, 0, errors.Errorf("unknown pattern %q", f.Pattern)
	}
	return f, stage, nil
}

func encodeReply(id string, r Reply) ([]byte, error) {
	body, err := json.Marshal(replyFrame{ID: id, Response: &r, IsDisposed: true})
	if err != nil {
		return nil, errors.Wrap(err, "marshal reply")
	}
	return body, nil
}

// decodeReply also accepts replies whose producer reported a bare err
// instead of a response.
func decodeReply(body []byte) (string, Reply, error) {
	var f replyFrame
	if err := json.Unmarshal(body, &f); err != nil {
		return "", Reply{}, errors.Wrap(err, "unmarshal reply")
	}
	if f.Err != nil {
		return f.ID, failure(csvdata.CodeInternal, errMessage(f.Err)), nil
	}
	if f.Response == nil {
		return f.ID, Reply{}, errors.New("reply has neither response nor err")
	}
	return f.ID, *f.Response, nil
}

func errMessage(v any) string {
	switch e := v.(type) {
	case string:
		return e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	return fmt.Sprint(v)
}
