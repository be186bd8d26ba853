package static

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/instill-ai/indexing-backend/pkg/connector"
	"github.com/instill-ai/indexing-backend/pkg/types"

	errdomain "github.com/instill-ai/indexing-backend/pkg/errors"
)

func build(c *qt.C, inputType types.InputType, cfg Config) *Connector {
	c.Helper()
	raw, err := json.Marshal(cfg)
	c.Assert(err, qt.IsNil)
	conn, err := New(context.Background(), connector.Settings{Source: Source, InputType: inputType, Config: raw})
	c.Assert(err, qt.IsNil)
	return conn.(*Connector)
}

func TestConnector_ValidateSettings(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	c.Check(build(c, "", Config{Documents: []types.Document{{ID: "a"}, {ID: "b"}}}).ValidateSettings(ctx), qt.IsNil)

	err := build(c, "", Config{Documents: []types.Document{{ID: "a"}, {ID: "a"}}}).ValidateSettings(ctx)
	c.Check(err, qt.ErrorIs, errdomain.ErrConnectorValidation)

	err = build(c, "", Config{Documents: []types.Document{{}}}).ValidateSettings(ctx)
	c.Check(err, qt.ErrorIs, errdomain.ErrConnectorValidation)
}

func TestConnector_LoadFromCheckpoint(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	inside := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	outside := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	window := types.TimeWindow{
		Start: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		Documents: []types.Document{
			{ID: "a", DocUpdatedAt: &inside},
			{ID: "b", DocUpdatedAt: &outside},
			{ID: "c"},
		},
		PageSize: 2,
	}

	collect := func(conn *Connector, cp types.Checkpoint) ([]string, types.Checkpoint) {
		var got []string
		next, err := conn.LoadFromCheckpoint(ctx, window, cp, func(o connector.Output) error {
			got = append(got, o.Document.ID)
			return nil
		})
		c.Assert(err, qt.IsNil)
		return got, next
	}

	c.Run("poll filters by window", func(c *qt.C) {
		conn := build(c, types.InputTypePoll, cfg)

		got, next := collect(conn, conn.BuildDummyCheckpoint())
		c.Check(got, qt.DeepEquals, []string{"a"})
		c.Check(next.HasMore, qt.IsTrue)

		got, next = collect(conn, next)
		c.Check(got, qt.DeepEquals, []string{"c"})
		c.Check(next.HasMore, qt.IsFalse)
	})

	c.Run("load state reads everything", func(c *qt.C) {
		conn := build(c, types.InputTypeLoadState, cfg)

		got, next := collect(conn, conn.BuildDummyCheckpoint())
		c.Check(got, qt.DeepEquals, []string{"a", "b"})
		got, _ = collect(conn, next)
		c.Check(got, qt.DeepEquals, []string{"c"})
	})

	c.Run("corrupt checkpoint", func(c *qt.C) {
		conn := build(c, types.InputTypeLoadState, cfg)
		_, err := conn.LoadFromCheckpoint(ctx, window, types.Checkpoint{HasMore: true, State: json.RawMessage(`"x"`)}, func(connector.Output) error { return nil })
		c.Check(err, qt.ErrorMatches, "decoding static checkpoint: .*")
	})
}
