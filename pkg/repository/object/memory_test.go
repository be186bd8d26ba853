package object

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	errorsx "github.com/instill-ai/x/errors"
)

func TestMemoryStorage(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemoryStorage("default")
	s.Now = func() time.Time { return now }

	var _ Storage = s

	c.Assert(s.PutObject(ctx, "", "a/2.json", []byte(`{"n":2}`), "application/json"), qt.IsNil)
	c.Assert(s.PutObject(ctx, "", "a/1.json", []byte(`{"n":1}`), "application/json"), qt.IsNil)
	c.Assert(s.PutObject(ctx, "", "b/1.json", []byte(`{}`), "application/json"), qt.IsNil)
	c.Assert(s.PutObject(ctx, "other", "a/3.json", []byte(`{}`), "application/json"), qt.IsNil)

	c.Run("ok - get", func(c *qt.C) {
		got, err := s.GetObject(ctx, "default", "a/1.json")
		c.Assert(err, qt.IsNil)
		c.Check(string(got), qt.Equals, `{"n":1}`)

		objects, err := s.ListObjects(ctx, "", "a/1.json")
		c.Assert(err, qt.IsNil)
		c.Assert(objects, qt.HasLen, 1)
		c.Check(objects[0].Size, qt.Equals, int64(7))
		c.Check(objects[0].LastModified, qt.Equals, now)
		c.Check(objects[0].ContentType, qt.Equals, "application/json")
	})

	c.Run("ok - list is sorted and scoped to the bucket", func(c *qt.C) {
		objects, err := s.ListObjects(ctx, "", "a/")
		c.Assert(err, qt.IsNil)
		c.Assert(objects, qt.HasLen, 2)
		c.Check(objects[0].Path, qt.Equals, "a/1.json")
		c.Check(objects[1].Path, qt.Equals, "a/2.json")
	})

	c.Run("ok - copy", func(c *qt.C) {
		c.Assert(s.CopyObject(ctx, "", "a/1.json", "c/1.json"), qt.IsNil)
		got, err := s.GetObject(ctx, "", "c/1.json")
		c.Assert(err, qt.IsNil)
		c.Check(string(got), qt.Equals, `{"n":1}`)

		err = s.CopyObject(ctx, "", "missing", "c/2.json")
		c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)
	})

	c.Run("ok - delete is idempotent", func(c *qt.C) {
		c.Assert(s.DeleteObject(ctx, "", "a/2.json"), qt.IsNil)
		c.Assert(s.DeleteObject(ctx, "", "a/2.json"), qt.IsNil)

		_, err := s.GetObject(ctx, "", "a/2.json")
		c.Check(err, qt.ErrorIs, errorsx.ErrNotFound)
		objects, err := s.ListObjects(ctx, "", "a/2.json")
		c.Assert(err, qt.IsNil)
		c.Check(objects, qt.HasLen, 0)
	})
}

func TestUnwrapServiceAccountKey(t *testing.T) {
	c := qt.New(t)

	plain := []byte(`{"type":"service_account","project_id":"p"}`)
	got, err := unwrapServiceAccountKey(plain)
	c.Assert(err, qt.IsNil)
	c.Check(string(got), qt.Equals, string(plain))

	wrapped := []byte(`{"data":{"data":{"type":"service_account"}}}`)
	got, err = unwrapServiceAccountKey(wrapped)
	c.Assert(err, qt.IsNil)
	c.Check(string(got), qt.Equals, `{"type":"service_account"}`)

	got, err = unwrapServiceAccountKey([]byte("not json"))
	c.Assert(err, qt.IsNil)
	c.Check(string(got), qt.Equals, "not json")
}
