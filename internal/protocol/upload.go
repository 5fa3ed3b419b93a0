package protocol

// UploadFile names one temp file in the JSON body of an UPLOAD request.
type UploadFile struct {
	Filename string `json:"filename"`
	Name     string `json:"name"`
	TmpFile  string `json:"tmpfile"`
}

// UploadResult is one entry of the UPLOAD response; Content travels as
// base64 in JSON.
type UploadResult struct {
	Filename string `json:"filename"`
	Name     string `json:"name"`
	Content  []byte `json:"content"`
}
