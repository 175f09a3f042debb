package engine

// Overlay 覆盖在快照字段上的可写值, 只有值真正变化时才标脏
type Overlay[T any] struct {
	value T
	dirty bool
	equal func(a, b T) bool
}

func newOverlay[T any](v T, equal func(a, b T) bool) Overlay[T] {
	return Overlay[T]{value: v, equal: equal}
}

func newComparableOverlay[T comparable](v T) Overlay[T] {
	return newOverlay(v, func(a, b T) bool { return a == b })
}

func (o *Overlay[T]) Get() T {
	return o.value
}

func (o *Overlay[T]) Set(v T) {
	if o.equal != nil && o.equal(o.value, v) {
		return
	}
	o.value = v
	o.dirty = true
}

func (o *Overlay[T]) Dirty() bool {
	return o.dirty
}

// reset 快照落盘后调用
func (o *Overlay[T]) reset() {
	o.dirty = false
}
