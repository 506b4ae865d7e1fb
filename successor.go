package lasp

// allocSuccessor allocates a fresh VarId and declares its cell through the
// coordinator, so the successor lives on whatever partition the new id
// hashes to. Allocation is lazy: a cell that never streams pays nothing.
//
// Callers allocate first and CAS the result into the predecessor under its
// own lock; the predecessor's lock is never held across this call.
func (p *partition) allocSuccessor(typ string) (VarId, error) {
	id := NewVarId()
	if err := p.rt.declareAt(id, typ); err != nil {
		return NilVar, err
	}
	return id, nil
}
