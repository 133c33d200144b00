package dto

type UploadResponse struct {
	Files []string `json:"files"`
}
