package models

// Protocol messages exchanged between peers. The mesh is transport-agnostic;
// any RPC or stream transport may carry these.

// HandshakeRequest opens a session with a peer.
type HandshakeRequest struct {
	ServiceID string `json:"service_id"`
	// PublicKey is the caller's identity key in PEM format.
	PublicKey string `json:"public_key"`
	// AuthToken is a short-lived signed identity token audienced to the peer.
	AuthToken string `json:"auth_token"`
}

// HandshakeResponse returns the established session and the wrapped key.
type HandshakeResponse struct {
	SessionID string `json:"session_id"`
	// EncryptedSessionKey is the base64 RSA-OAEP ciphertext of the new
	// symmetric session key, wrapped with the caller's public key.
	EncryptedSessionKey string `json:"encrypted_session_key"`
}

// DataMessage carries one leg of an encrypted request/response. Each leg is
// independently IV'd and authenticated under the session key.
type DataMessage struct {
	SessionID     string `json:"session_id"`
	Method        string `json:"method,omitempty"`
	EncryptedData string `json:"encrypted_data"`
	IV            string `json:"iv"`
	AuthTag       string `json:"auth_tag"`
}
