package engine

import (
	"testing"

	"github.com/blingmoon/simple-process-engine/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONContext_BasicOperations(t *testing.T) {
	ctx := NewJSONContext(nil)

	require.NoError(t, ctx.Set([]string{"user", "name"}, "张三"))
	require.NoError(t, ctx.Set([]string{"user", "age"}, int64(25)))
	require.NoError(t, ctx.Set([]string{"user", "active"}, true))
	assert.Error(t, ctx.Set(nil, 1))

	name, ok := ctx.GetString("user", "name")
	assert.True(t, ok)
	assert.Equal(t, "张三", name)

	age, ok := ctx.GetInt64("user", "age")
	assert.True(t, ok)
	assert.Equal(t, int64(25), age)

	active, ok := ctx.GetBool("user", "active")
	assert.True(t, ok)
	assert.True(t, active)

	_, ok = ctx.Get("user", "name", "deeper")
	assert.False(t, ok)

	ctx.Delete("user", "age")
	_, ok = ctx.Get("user", "age")
	assert.False(t, ok)
}

func TestJSONContext_FromBytes(t *testing.T) {
	ctx := NewJSONContext([]byte(`{
		"process_id": 12345,
		"node_event": {"event_content": "审核通过", "event_ts": 1640000000}
	}`))

	id, ok := ctx.GetInt64("process_id")
	assert.True(t, ok)
	assert.Equal(t, int64(12345), id)

	content, ok := ctx.GetString("node_event", "event_content")
	assert.True(t, ok)
	assert.Equal(t, "审核通过", content)

	// 非对象内容忽略
	empty := NewJSONContext([]byte(`[1,2,3]`))
	assert.Empty(t, empty.ToMap())
}

func TestJSONContext_ProcessData(t *testing.T) {
	ctx := NewJSONContextFromData([]model.ProcessData{
		{Name: "amount", Content: []byte(`100`)},
		{Name: "applicant", Content: []byte(`{"name":"alice"}`)},
		{Name: "raw", Content: []byte(`not json`)},
	})

	amount, ok := ctx.GetInt64("amount")
	assert.True(t, ok)
	assert.Equal(t, int64(100), amount)
	applicant, ok := ctx.GetString("applicant", "name")
	assert.True(t, ok)
	assert.Equal(t, "alice", applicant)
	raw, ok := ctx.GetString("raw")
	assert.True(t, ok)
	assert.Equal(t, "not json", raw)

	results, err := ctx.Extract([]model.ResultDef{
		{Name: "who", Path: []string{"applicant", "name"}},
		{Name: "missing", Path: []string{"nothing"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "who", results[0].Name)
	assert.Equal(t, `"alice"`, string(results[0].Content))

	clone := ctx.Clone()
	require.NoError(t, clone.Set([]string{"amount"}, 1))
	amount, _ = ctx.GetInt64("amount")
	assert.Equal(t, int64(100), amount)
}
