package encoding

// PropertiesIterator walks a map compound whose keys are expected to be
// strings (a message's application-properties section). Pairs whose key
// decodes to any other type are skipped, value included, so iteration
// yields exactly the well-typed entries.
type PropertiesIterator struct {
	it  *CompoundIterator
	key string
	val any
}

// NewPropertiesIterator returns an iterator over c's string-keyed entries.
// c must be a map compound.
func NewPropertiesIterator(c *Compound) *PropertiesIterator {
	return &PropertiesIterator{it: c.Iterator()}
}

// Next advances to the next string-keyed entry and reports whether one is
// available.
func (p *PropertiesIterator) Next() bool {
	for p.it.Next() {
		k, err := p.it.Value()
		if err != nil {
			return false
		}
		if !p.it.Next() {
			// odd element count: a key with no value.
			return false
		}
		v, err := p.it.Value()
		if err != nil {
			return false
		}
		ks, ok := k.(string)
		if !ok {
			continue
		}
		p.key, p.val = ks, v
		return true
	}
	return false
}

// Key returns the current entry's key. Valid only after a true Next.
func (p *PropertiesIterator) Key() string {
	return p.key
}

// Value returns the current entry's value. Valid only after a true Next.
func (p *PropertiesIterator) Value() any {
	return p.val
}

// Err returns the first decode error encountered, if any.
func (p *PropertiesIterator) Err() error {
	return p.it.Err()
}

// FieldsIterator walks a "fields" map compound whose keys are expected to
// be symbols (annotations, capability properties). Pairs whose key decodes
// to any other type are skipped, value included.
type FieldsIterator struct {
	it  *CompoundIterator
	key Symbol
	val any
}

// NewFieldsIterator returns an iterator over c's symbol-keyed entries.
// c must be a map compound.
func NewFieldsIterator(c *Compound) *FieldsIterator {
	return &FieldsIterator{it: c.Iterator()}
}

// Next advances to the next symbol-keyed entry and reports whether one is
// available.
func (f *FieldsIterator) Next() bool {
	for f.it.Next() {
		k, err := f.it.Value()
		if err != nil {
			return false
		}
		if !f.it.Next() {
			return false
		}
		v, err := f.it.Value()
		if err != nil {
			return false
		}
		ks, ok := k.(Symbol)
		if !ok {
			continue
		}
		f.key, f.val = ks, v
		return true
	}
	return false
}

// Key returns the current entry's key. Valid only after a true Next.
func (f *FieldsIterator) Key() Symbol {
	return f.key
}

// Value returns the current entry's value. Valid only after a true Next.
func (f *FieldsIterator) Value() any {
	return f.val
}

// Err returns the first decode error encountered, if any.
func (f *FieldsIterator) Err() error {
	return f.it.Err()
}
