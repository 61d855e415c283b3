package upstream

import (
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// gameSchema is the boundary contract for one normalized feed record.
// Optional times are epoch milliseconds.
const gameSchema = `
#Game: {
	id:              int & >0
	hash:            =~"^(0[xX])?[0-9a-fA-F]{64}$"
	reportedOutcome: number & >=1
	prepareTime?:    int & >=0
	beginTime?:      int & >=0
	endTime?:        int & >=0
}
`

// wireGame is a feed record after envelope normalization.
type wireGame struct {
	ID              int64   `json:"id"`
	Hash            string  `json:"hash"`
	ReportedOutcome float64 `json:"reportedOutcome"`
	PrepareTime     int64   `json:"prepareTime,omitempty"`
	BeginTime       int64   `json:"beginTime,omitempty"`
	EndTime         int64   `json:"endTime,omitempty"`
}

// schemaValidator checks wire records against #Game.
// cue.Context is not safe for concurrent use, so calls are serialized.
type schemaValidator struct {
	mu   sync.Mutex
	ctx  *cue.Context
	game cue.Value
}

func newSchemaValidator() (*schemaValidator, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(gameSchema)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile game schema: %w", err)
	}
	def := v.LookupPath(cue.ParsePath("#Game"))
	if err := def.Err(); err != nil {
		return nil, fmt.Errorf("lookup #Game: %w", err)
	}
	return &schemaValidator{ctx: ctx, game: def}, nil
}

// Validate returns a descriptive error when g violates the schema.
func (s *schemaValidator) Validate(g wireGame) error {
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.ctx.CompileBytes(data)
	if err := v.Err(); err != nil {
		return err
	}
	if err := s.game.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s", errors.Details(err, nil))
	}
	return nil
}
