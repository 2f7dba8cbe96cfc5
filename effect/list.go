package effect

// List is an ordered effect list. Emission order is execution order.
type List []Effect

// Kinds returns the kind of every effect, in order.
func (l List) Kinds() []Kind {
	out := make([]Kind, len(l))
	for i, e := range l {
		out[i] = e.Kind()
	}
	return out
}

// Keys returns the idempotency key of every effect, in order.
func (l List) Keys() []Key {
	out := make([]Key, len(l))
	for i, e := range l {
		out[i] = KeyOf(e)
	}
	return out
}

// Filter returns the effects of kind k, preserving order.
func (l List) Filter(k Kind) List {
	var out List
	for _, e := range l {
		if e.Kind() == k {
			out = append(out, e)
		}
	}
	return out
}

// Walk visits every effect in order and stops at the first error.
func (l List) Walk(v Visitor) error {
	for _, e := range l {
		if err := e.Accept(v); err != nil {
			return err
		}
	}
	return nil
}
