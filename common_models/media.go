package common_models

const (
	MsgTypeFile  = "m.file"
	MsgTypeImage = "m.image"

	// AttachmentVersion is the only version of encrypted attachments we produce and accept.
	AttachmentVersion  = "v2"
	AttachmentKeyAlg   = "A256CTR"
	AttachmentKeyType  = "oct"
	AttachmentHashAlgo = "sha256"
)

// JSONWebKey is the key of an encrypted attachment, in JWK form.
type JSONWebKey struct {
	Kty    string   `json:"kty"`
	KeyOps []string `json:"key_ops"`
	Alg    string   `json:"alg"`
	// K is the unpadded URL-safe base64 AES key.
	K   string `json:"k"`
	Ext bool   `json:"ext"`
}

// EncryptedFile describes an uploaded encrypted attachment and how to decrypt it.
type EncryptedFile struct {
	Url    string            `json:"url"`
	Key    JSONWebKey        `json:"key"`
	Iv     string            `json:"iv"`
	Hashes map[string]string `json:"hashes"`
	V      string            `json:"v"`
}

type FileInfo struct {
	Mimetype string `json:"mimetype,omitempty"`
	Size     int    `json:"size,omitempty"`
}

// FileMessageContent is an m.file message. Url is set for cleartext rooms, File for encrypted ones.
type FileMessageContent struct {
	MsgType string         `json:"msgtype"`
	Body    string         `json:"body"`
	Info    *FileInfo      `json:"info,omitempty"`
	Url     string         `json:"url,omitempty"`
	File    *EncryptedFile `json:"file,omitempty"`
}

type UploadResponse struct {
	ContentUri string `json:"content_uri"`
}
