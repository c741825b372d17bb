package models

// Subset of the Civitai v1 API used to resolve a model version into a job.
type (
	ModelInfo struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Mode string `json:"mode"` // Can be null, "Archived", "TakenDown"
		Nsfw bool   `json:"nsfw"`
	}

	ModelVersion struct {
		BaseModel   string    `json:"baseModel"`
		DownloadUrl string    `json:"downloadUrl"`
		Name        string    `json:"name"`
		UpdatedAt   string    `json:"updatedAt"`
		Model       ModelInfo `json:"model"`
		Files       []File    `json:"files"`
		ID          int       `json:"id"`
		ModelId     int       `json:"modelId"`
	}

	File struct {
		Name        string  `json:"name"`
		Type        string  `json:"type"`
		DownloadUrl string  `json:"downloadUrl"`
		Hashes      Hashes  `json:"hashes"`
		SizeKB      float64 `json:"sizeKB"`
		ID          int     `json:"id"`
		Primary     bool    `json:"primary"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	// Model is one item of a /models search page.
	Model struct {
		Name          string         `json:"name"`
		Type          string         `json:"type"`
		Tags          []string       `json:"tags"`
		ModelVersions []ModelVersion `json:"modelVersions"`
		ID            int            `json:"id"`
		Nsfw          bool           `json:"nsfw"`
	}

	ModelsPage struct {
		Items    []Model            `json:"items"`
		Metadata PaginationMetadata `json:"metadata"`
	}

	PaginationMetadata struct {
		NextCursor  string `json:"nextCursor"`
		NextPage    string `json:"nextPage"`
		TotalItems  int    `json:"totalItems"`
		CurrentPage int    `json:"currentPage"`
		PageSize    int    `json:"pageSize"`
	}

	// QueryParameters are the /models search filters. Empty fields are not sent.
	QueryParameters struct {
		Query           string
		Tag             string
		Username        string
		Sort            string
		Period          string
		Cursor          string
		Types           []string
		BaseModels      []string
		Nsfw            *bool
		Limit           int
		PrimaryFileOnly bool
	}
)

// PrimaryFile returns the file flagged primary, or the first file.
func (v ModelVersion) PrimaryFile() (File, bool) {
	for _, f := range v.Files {
		if f.Primary {
			return f, true
		}
	}
	if len(v.Files) > 0 {
		return v.Files[0], true
	}
	return File{}, false
}

// JobSpec converts the version's primary file into a job spec. A SHA256
// hash is preferred over BLAKE3 for verification.
func (v ModelVersion) JobSpec() (JobSpec, bool) {
	f, ok := v.PrimaryFile()
	if !ok {
		return JobSpec{}, false
	}
	url := f.DownloadUrl
	if url == "" {
		url = v.DownloadUrl
	}
	spec := JobSpec{
		ModelID:   v.ModelId,
		VersionID: v.ID,
		SourceURL: url,
		Filename:  f.Name,
		Category:  v.Model.Type,
		BaseModel: v.BaseModel,
	}
	switch {
	case f.Hashes.SHA256 != "":
		spec.ExpectedDigest, spec.DigestAlgorithm = f.Hashes.SHA256, DigestSHA256
	case f.Hashes.BLAKE3 != "":
		spec.ExpectedDigest, spec.DigestAlgorithm = f.Hashes.BLAKE3, DigestBLAKE3
	}
	return spec, true
}
