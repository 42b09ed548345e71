package dimension

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/BarkinBalci/engagement-rollup-service/internal/domain"
)

func TestCache_LookupMissing(t *testing.T) {
	c := NewCache(zap.NewNop())

	dim, ok := c.Lookup("user_1")

	assert.False(t, ok)
	assert.Nil(t, dim)
}

func TestCache_InvalidateInstallsEntry(t *testing.T) {
	c := NewCache(zap.NewNop())

	installed := c.Invalidate(&domain.UserDimension{
		UserID:      "user_1",
		Region:      "eu-west",
		AccountType: "paid",
		Version:     1,
	})
	assert.True(t, installed)

	dim, ok := c.Lookup("user_1")
	assert.True(t, ok)
	assert.Equal(t, "eu-west", dim.Region)
	assert.Equal(t, "paid", dim.AccountType)
	assert.Equal(t, 1, c.Size())
}

func TestCache_InvalidateReplacesEntry(t *testing.T) {
	c := NewCache(zap.NewNop())

	c.Invalidate(&domain.UserDimension{UserID: "user_1", Region: "eu-west", AccountType: "free", Version: 1})
	installed := c.Invalidate(&domain.UserDimension{UserID: "user_1", Region: "us-east", AccountType: "paid", Version: 2})
	assert.True(t, installed)

	dim, ok := c.Lookup("user_1")
	assert.True(t, ok)
	assert.Equal(t, "us-east", dim.Region)
	assert.Equal(t, "paid", dim.AccountType)
	assert.Equal(t, 1, c.Size())
}

func TestCache_InvalidateDiscardsStaleVersion(t *testing.T) {
	c := NewCache(zap.NewNop())

	c.Invalidate(&domain.UserDimension{UserID: "user_1", Region: "us-east", AccountType: "paid", Version: 5})

	// An out-of-order replay from the change feed must not roll the
	// entry back.
	installed := c.Invalidate(&domain.UserDimension{UserID: "user_1", Region: "eu-west", AccountType: "free", Version: 3})
	assert.False(t, installed)

	dim, ok := c.Lookup("user_1")
	assert.True(t, ok)
	assert.Equal(t, "us-east", dim.Region)
	assert.Equal(t, uint64(5), dim.Version)
}

func TestCache_ConcurrentReadersDuringInvalidation(t *testing.T) {
	c := NewCache(zap.NewNop())
	c.Invalidate(&domain.UserDimension{UserID: "user_1", Region: "eu-west", AccountType: "paid", Version: 1})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; n < 1000; n++ {
				dim, ok := c.Lookup("user_1")
				assert.True(t, ok)
				// Every observed snapshot is internally consistent.
				assert.Equal(t, dim.Version > 1, dim.Region == "us-east")
			}
		}()
	}

	for v := uint64(2); v <= 100; v++ {
		c.Invalidate(&domain.UserDimension{UserID: "user_1", Region: "us-east", AccountType: "paid", Version: v})
	}
	wg.Wait()
}
