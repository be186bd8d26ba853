package config

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestIndexingConfig_Defaults(t *testing.T) {
	c := qt.New(t)

	c.Run("zero value gets every default", func(c *qt.C) {
		got := IndexingConfig{}.Defaults()
		c.Check(got.BatchSize, qt.Equals, 16)
		c.Check(got.HeartbeatTimeout, qt.Equals, 30*time.Minute)
		c.Check(got.StallTimeout, qt.Equals, 6*time.Hour)
		c.Check(got.CheckpointRetention, qt.Equals, 7*24*time.Hour)
		c.Check(got.CheckpointSizeCheckInterval, qt.Equals, 100)
		c.Check(got.ValidationErrorThreshold, qt.Equals, 5)
		c.Check(got.MaxErrorMessageLength, qt.Equals, 1024)
		c.Check(got.BatchBucket, qt.Equals, "indexing-batches")
	})

	c.Run("explicit values are kept", func(c *qt.C) {
		got := IndexingConfig{
			BatchSize:    4,
			StallTimeout: 3 * time.Hour,
			BatchBucket:  "staging",
		}.Defaults()
		c.Check(got.BatchSize, qt.Equals, 4)
		c.Check(got.StallTimeout, qt.Equals, 3*time.Hour)
		c.Check(got.BatchBucket, qt.Equals, "staging")
	})

	c.Run("receiver is not mutated", func(c *qt.C) {
		orig := IndexingConfig{}
		_ = orig.Defaults()
		c.Check(orig.BatchSize, qt.Equals, 0)
	})
}

func TestValidateConfig(t *testing.T) {
	c := qt.New(t)

	cfg := AppConfig{Blob: BlobConfig{Backend: "ftp"}}
	c.Check(ValidateConfig(&cfg), qt.IsNotNil)

	cfg.Blob.Backend = "memory"
	c.Check(ValidateConfig(&cfg), qt.IsNil)
}
