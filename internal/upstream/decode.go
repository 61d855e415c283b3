package upstream

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"github.com/roach88/crashwatch/internal/game"
)

// listPaths are the envelope locations probed, in order, for the record list.
var listPaths = []string{"data.list", "data.items", "data.data", "items", "list", "data"}

// Page is one decoded feed page.
type Page struct {
	Number  int
	Records []game.Record

	// Invalid holds one error per item that failed normalization or the
	// schema. Those items are absent from Records.
	Invalid []*game.ValidationError
}

// decodePage extracts records from a feed body.
func (c *Client) decodePage(number int, body []byte) (Page, error) {
	if !gjson.ValidBytes(body) {
		return Page{}, fmt.Errorf("response is not valid JSON")
	}
	root := gjson.ParseBytes(body)

	var items gjson.Result
	switch {
	case root.IsArray():
		items = root
	default:
		for _, path := range listPaths {
			if r := root.Get(path); r.IsArray() {
				items = r
				break
			}
		}
	}

	page := Page{Number: number, Records: []game.Record{}}
	if !items.Exists() {
		// An envelope with no list is an empty page, not an error.
		return page, nil
	}

	for i, item := range items.Array() {
		wg, err := normalizeItem(item)
		if err == nil {
			err = c.schema.Validate(wg)
		}
		if err != nil {
			ve := game.NewValidationError("record", "item %d on page %d: %v", i, number, err)
			ve.RecordID = wg.ID
			page.Invalid = append(page.Invalid, ve)
			continue
		}
		page.Records = append(page.Records, wg.record(c.loc))
	}
	return page, nil
}

// normalizeItem maps either the bare shape or the {gameId, gameDetail} shape
// onto wireGame.
func normalizeItem(item gjson.Result) (wireGame, error) {
	if !item.IsObject() {
		return wireGame{}, fmt.Errorf("expected object, got %s", item.Type)
	}

	if gid := item.Get("gameId"); gid.Exists() {
		detail := item.Get("gameDetail")
		if detail.Type == gjson.String {
			if !gjson.Valid(detail.Str) {
				return wireGame{ID: gid.Int()}, fmt.Errorf("gameDetail is not valid JSON")
			}
			detail = gjson.Parse(detail.Str)
		}
		pick := func(field string) gjson.Result {
			if r := item.Get(field); r.Exists() {
				return r
			}
			return detail.Get(field)
		}
		rate := detail.Get("rate")
		if !rate.Exists() {
			rate = item.Get("payOut")
		}
		if !rate.Exists() {
			return wireGame{ID: gid.Int()}, fmt.Errorf("missing rate")
		}
		return wireGame{
			ID:              gid.Int(),
			Hash:            pick("hash").String(),
			ReportedOutcome: rate.Float(),
			PrepareTime:     pick("prepareTime").Int(),
			BeginTime:       pick("beginTime").Int(),
			EndTime:         pick("endTime").Int(),
		}, nil
	}

	outcome := item.Get("reportedOutcome")
	if !outcome.Exists() {
		outcome = item.Get("crashPoint")
	}
	if !outcome.Exists() {
		return wireGame{ID: item.Get("id").Int()}, fmt.Errorf("missing reportedOutcome")
	}
	return wireGame{
		ID:              item.Get("id").Int(),
		Hash:            item.Get("hash").String(),
		ReportedOutcome: outcome.Float(),
		PrepareTime:     item.Get("prepareTime").Int(),
		BeginTime:       item.Get("beginTime").Int(),
		EndTime:         item.Get("endTime").Int(),
	}, nil
}

func (g wireGame) record(loc *time.Location) game.Record {
	return game.Record{
		ID:              g.ID,
		Hash:            g.Hash,
		ReportedOutcome: g.ReportedOutcome,
		FloorValue:      game.FloorOf(g.ReportedOutcome),
		PrepareTime:     millisIn(g.PrepareTime, loc),
		BeginTime:       millisIn(g.BeginTime, loc),
		EndTime:         millisIn(g.EndTime, loc),
	}
}

func millisIn(ms int64, loc *time.Location) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).In(loc)
}
