package router

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_CountTemplate(t *testing.T) {
	c := Classify("how many products", "products")
	require.Equal(t, TypeCount, c.Type)
	assert.False(t, c.NeedsLLM)
	assert.Equal(t, `SELECT COUNT(*) FROM "public"."products"`, c.SQLTemplate)
}

func TestClassify_CountWithoutTableHintForcesLLM(t *testing.T) {
	c := Classify("how many products", "")
	require.Equal(t, TypeCount, c.Type)
	assert.True(t, c.NeedsLLM)
	assert.Empty(t, c.SQLTemplate)
}

func TestClassify_SumTemplate(t *testing.T) {
	c := Classify("total revenue", "orders")
	require.Equal(t, TypeSum, c.Type)
	assert.False(t, c.NeedsLLM)
	assert.Equal(t, `SELECT SUM("revenue") FROM "public"."orders"`, c.SQLTemplate)
}

func TestClassify_ListTemplate(t *testing.T) {
	c := Classify("show all products", "products")
	require.Equal(t, TypeList, c.Type)
	assert.Equal(t, `SELECT * FROM "public"."products" LIMIT 100`, c.SQLTemplate)
}

func TestClassify_SimpleWhere(t *testing.T) {
	c := Classify("where status = active", "orders")
	require.Equal(t, TypeSimpleFilter, c.Type)
	assert.False(t, c.NeedsLLM)
	assert.True(t, strings.Contains(c.SQLTemplate, `WHERE "status" = 'active'`))
}

func TestClassify_StockLookupNeverNeedsLLM(t *testing.T) {
	c := Classify("berapa stok BAJU MERAH", "")
	require.Equal(t, TypeStockLookup, c.Type)
	assert.False(t, c.NeedsLLM)
	require.NotNil(t, c.SearchHints)
	assert.Equal(t, "BAJU MERAH", c.SearchHints.Term)
}

func TestClassify_ProductSearch(t *testing.T) {
	c := Classify("cari SEPATU HITAM", "")
	require.Equal(t, TypeProductSearch, c.Type)
	assert.False(t, c.NeedsLLM)
	require.NotNil(t, c.SearchHints)
	assert.Equal(t, "SEPATU HITAM", c.SearchHints.Term)
}

func TestClassify_FallsBackToLLM(t *testing.T) {
	c := Classify("what is our returns policy compared to last quarter", "orders")
	assert.Equal(t, TypeComplex, c.Type)
	assert.True(t, c.NeedsLLM)
}

func TestClassify_SQLInjectionInTableHintRejected(t *testing.T) {
	c := Classify("how many products", `products"; DROP TABLE users; --`)
	assert.True(t, c.NeedsLLM)
	assert.Empty(t, c.SQLTemplate)
}

func TestClassify_PrecedenceStockBeforeCount(t *testing.T) {
	// "berapa stok" matches the stock pattern before the generic count
	// pattern ("berapa banyak") gets a chance.
	c := Classify("berapa stok SEPATU", "")
	assert.Equal(t, TypeStockLookup, c.Type)
}
