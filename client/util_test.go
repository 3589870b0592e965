package client

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestCallbackListOrder(t *testing.T) {
	callbackList := NewCallbackList[string]()

	aId := callbackList.Add("a")
	bId := callbackList.Add("b")
	cId := callbackList.Add("c")

	assert.Equal(t, 3, callbackList.Len())
	assert.Equal(t, []string{"a", "b", "c"}, callbackList.Get())

	callbackList.Remove(bId)
	assert.Equal(t, []string{"a", "c"}, callbackList.Get())

	// ids are never reused
	dId := callbackList.Add("d")
	assert.NotEqual(t, bId, dId)
	assert.Equal(t, []string{"a", "c", "d"}, callbackList.Get())

	callbackList.Remove(aId)
	callbackList.Remove(cId)
	callbackList.Remove(dId)
	assert.Equal(t, 0, callbackList.Len())
}

func TestCallbackListRemoveMissing(t *testing.T) {
	callbackList := NewCallbackList[int]()
	callbackList.Add(42)

	callbackList.Remove(999)
	assert.Equal(t, 1, callbackList.Len())

	// removing twice is a no-op
	callbackList.Remove(0)
	callbackList.Remove(0)
	assert.Equal(t, 0, callbackList.Len())
}

func TestCallbackListClear(t *testing.T) {
	callbackList := NewCallbackList[int]()
	callbackList.Add(1)
	callbackList.Add(2)

	callbackList.Clear()
	assert.Equal(t, 0, callbackList.Len())
	assert.Equal(t, []int{}, callbackList.Get())
}
