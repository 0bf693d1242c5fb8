package syncpipeline

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atabot/ragengine/pkg/models"
)

func TestQuoteIdent(t *testing.T) {
	q, err := quoteIdent("orders")
	require.NoError(t, err)
	assert.Equal(t, `"orders"`, q)

	_, err = quoteIdent(`orders"; DROP TABLE x`)
	require.Error(t, err)

	_, err = quoteIdent("")
	require.Error(t, err)
}

func TestRenderRowToText_PromotesDisplayFields(t *testing.T) {
	pattern := models.TablePattern{
		EntityType:    "product",
		DisplayFields: []string{"name", "price"},
		Terminology:   map[string]string{"price": "harga"},
	}
	row := map[string]interface{}{
		"zz_note": "last alphabetically",
		"name":    "ALO LEGGING",
		"price":   120000,
	}

	text := renderRowToText(row, "products", pattern)

	assert.Contains(t, text, "This is a product from products")
	assert.Contains(t, text, "name: ALO LEGGING")
	assert.Contains(t, text, "harga: 120000")
	// promoted fields render before the rest
	assert.Less(t, strings.Index(text, "name:"), strings.Index(text, "zz note:"))
}

func TestRenderRowToText_SkipsNullsUnderscoresAndBinaries(t *testing.T) {
	row := map[string]interface{}{
		"name":    "widget",
		"_hidden": "x",
		"blob":    []byte{1, 2, 3},
		"gone":    nil,
	}

	text := renderRowToText(row, "items", models.TablePattern{EntityType: "record"})

	assert.Contains(t, text, "name: widget")
	assert.NotContains(t, text, "hidden")
	assert.NotContains(t, text, "blob")
	assert.NotContains(t, text, "gone")
}

func TestRenderRowToText_RecordEntityHasNoPreamble(t *testing.T) {
	text := renderRowToText(map[string]interface{}{"a": 1}, "t", models.TablePattern{EntityType: "record"})
	assert.Equal(t, "a: 1", text)
}

func TestSanitizeMetadata(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	long := make([]byte, 0, 1200)
	for i := 0; i < 1200; i++ {
		long = append(long, 'x')
	}

	out := sanitizeMetadata(map[string]interface{}{
		"when":  ts,
		"blob":  []byte{1, 2, 3, 4},
		"text":  string(long),
		"count": 7,
		"ok":    true,
		"none":  nil,
	})

	assert.Equal(t, "2025-06-01T12:00:00Z", out["when"])
	assert.Equal(t, "<binary:4>", out["blob"])
	assert.Len(t, out["text"].(string), 1003) // 1000 chars plus ellipsis
	assert.Equal(t, 7, out["count"])
	assert.Equal(t, true, out["ok"])
	assert.Nil(t, out["none"])
}

func TestStableRowID(t *testing.T) {
	withPK := stableRowID("shop", "products", "id", map[string]interface{}{"id": 42, "name": "x"})
	assert.Equal(t, "shop_products_42", withPK)

	noPK := stableRowID("shop", "products", "", map[string]interface{}{"name": "x"})
	assert.Len(t, noPK, 32) // md5 hex
	assert.Equal(t, noPK, stableRowID("shop", "products", "", map[string]interface{}{"name": "x"}))
}

func TestDefaultTablePattern(t *testing.T) {
	cols := []columnInfo{
		{name: "id", dataType: "integer"},
		{name: "sku", dataType: "character varying"},
		{name: "name", dataType: "text"},
		{name: "description", dataType: "text"},
		{name: "notes", dataType: "text"},
		{name: "created_at", dataType: "timestamp with time zone"},
	}

	pattern := defaultTablePattern(cols)

	assert.Equal(t, "record", pattern.EntityType)
	assert.Equal(t, "id", pattern.PrimaryKey)
	assert.Equal(t, []string{"sku", "name", "description"}, pattern.DisplayFields)
	assert.Equal(t, pattern.DisplayFields, pattern.SearchableFields)
}

func TestIsPrimaryKeyLike(t *testing.T) {
	assert.True(t, isPrimaryKeyLike(columnInfo{name: "id", dataType: "integer"}))
	assert.True(t, isPrimaryKeyLike(columnInfo{name: "order_id", dataType: "integer"}))
	assert.True(t, isPrimaryKeyLike(columnInfo{name: "seq", dataType: "bigserial"}))
	assert.False(t, isPrimaryKeyLike(columnInfo{name: "name", dataType: "text"}))
}

func TestIsTimestampLike(t *testing.T) {
	assert.True(t, isTimestampLike("timestamp with time zone"))
	assert.True(t, isTimestampLike("date"))
	assert.False(t, isTimestampLike("integer"))
}

func TestMarshalPatterns_RoundTripsStructure(t *testing.T) {
	m, err := marshalPatterns(map[string]models.TablePattern{
		"products": {EntityType: "product", PrimaryKey: "id"},
	})
	require.NoError(t, err)

	inner, ok := m["products"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "product", inner["entity_type"])
	assert.Equal(t, "id", inner["primary_key"])
}
