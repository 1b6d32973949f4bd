package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Run("valid headers", func(t *testing.T) {
		assert.NoError(t, Validate([]string{"posted date", "value", "memo"}))
	})

	t.Run("missing amount", func(t *testing.T) {
		err := Validate([]string{"date", "description"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, []string{"Missing amount column"}, verr.Problems)
	})

	t.Run("collects every missing column", func(t *testing.T) {
		err := Validate([]string{"description", "notes"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, []string{"Missing date column", "Missing amount column"}, verr.Problems)
	})
}

func TestDetect(t *testing.T) {
	t.Run("bank export headers", func(t *testing.T) {
		m := Detect([]string{"posted date", "amount", "memo"}, nil)
		assert.Equal(t, "posted date", m.Date)
		assert.Equal(t, "amount", m.Amount)
		assert.Equal(t, "memo", m.Description)
		assert.Empty(t, m.Type)
		assert.Empty(t, m.Category)
	})

	t.Run("first match wins per field", func(t *testing.T) {
		m := Detect([]string{"date", "posted date", "amount", "value", "payee", "description"}, nil)
		assert.Equal(t, "date", m.Date)
		assert.Equal(t, "amount", m.Amount)
		assert.Equal(t, "payee", m.Description)
	})

	t.Run("type and category columns", func(t *testing.T) {
		m := Detect([]string{"date", "amount", "transaction type", "category"}, nil)
		assert.Equal(t, "transaction type", m.Type)
		assert.Equal(t, "category", m.Category)
	})

	t.Run("explicit mapping replaces detection wholesale", func(t *testing.T) {
		m := Detect([]string{"date", "amount", "memo", "notes"}, &Mapping{Description: "notes"})
		assert.Equal(t, "notes", m.Description)
		// Detection is skipped entirely; unset fields stay unmapped even
		// when matching headers exist.
		assert.Empty(t, m.Date)
		assert.Empty(t, m.Amount)
		assert.Empty(t, m.Type)
		assert.Empty(t, m.Category)
	})
}
