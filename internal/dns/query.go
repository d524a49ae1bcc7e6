package dns

// NewQuery builds a recursion-desired query packet for name/qtype, using id
// as the transaction ID. Callers own id generation (the resolver uses a
// per-query random ID so mismatched upstream replies can be detected).
func NewQuery(id uint16, name string, qtype RecordType) Packet {
	return Packet{
		Header: Header{
			ID:      id,
			Flags:   RDFlag,
			QDCount: 1,
		},
		Questions: []Question{
			{Name: name, Type: uint16(qtype), Class: uint16(ClassIN)},
		},
	}
}

// Answer describes one address record pulled out of a response packet's
// answer section, skipping any CNAME chain entries.
type Answer struct {
	Name string
	Type RecordType
	TTL  uint32
	IP   []byte // 4 bytes for TypeA, 16 for TypeAAAA
}

// ExtractAddresses walks the answer section of a parsed response and returns
// every A/AAAA record found, in order. CNAME records are skipped; callers
// that care about the canonical name chain should inspect resp.Answers
// directly.
func ExtractAddresses(resp Packet) []Answer {
	out := make([]Answer, 0, len(resp.Answers))
	for _, rr := range resp.Answers {
		switch RecordType(rr.Type) {
		case TypeA, TypeAAAA:
			b, ok := rr.Data.([]byte)
			if !ok {
				continue
			}
			out = append(out, Answer{Name: rr.Name, Type: RecordType(rr.Type), TTL: rr.TTL, IP: b})
		}
	}
	return out
}
