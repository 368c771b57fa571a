package wire

// PublicKey is an opaque, undecoded SSH public key blob as carried in
// IDENTITIES_ANSWER and SIGN_REQUEST messages. The multiplexer never parses
// key material; it only ever copies blobs between upstreams and clients.
type PublicKey struct {
	Blob    []byte
	Comment string
}

func parsePublicKey(r *reader) (PublicKey, error) {
	blob, err := r.tryString()
	if err != nil {
		return PublicKey{}, err
	}
	comment, err := r.tryUTF8String()
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKey{Blob: append([]byte(nil), blob...), Comment: comment}, nil
}

func (k PublicKey) encodeTo(w *writer) error {
	if err := w.putString(k.Blob); err != nil {
		return err
	}
	return w.putString([]byte(k.Comment))
}

func (k PublicKey) encodedLengthEstimate() int {
	return 4 + len(k.Blob) + 4 + len(k.Comment)
}
