package remote

// Wire shapes for the reader gateway. Field names follow the service's
// snake_case JSON.

type ChapterContent struct {
	ChapterID  int64  `json:"chapter_id"`
	ChapterMD5 string `json:"chapter_md5"`
	Content    string `json:"content"`
}

type TrimResult struct {
	ChapterID      int64  `json:"chapter_id,omitempty"`
	ChapterMD5     string `json:"chapter_md5"`
	PromptID       int    `json:"prompt_id"`
	TrimmedContent string `json:"trimmed_content"`
}

type Book struct {
	ID           int64  `json:"id"`
	Title        string `json:"title"`
	BookMD5      string `json:"book_md5"`
	ChapterCount int    `json:"chapter_count"`
}

type Chapter struct {
	ID        int64  `json:"id"`
	Index     int    `json:"chapter_index"`
	Title     string `json:"title"`
	MD5       string `json:"chapter_md5"`
	WordCount int    `json:"word_count"`
}

type BookDetail struct {
	Book     Book      `json:"book"`
	Chapters []Chapter `json:"chapters"`
}

// BookPackage is the full-content bundle used for offline sync: the chapter
// list plus content keyed by chapter md5.
type BookPackage struct {
	Chapters []Chapter         `json:"chapters"`
	Contents map[string]string `json:"contents"`
}

type History struct {
	BookID    int64 `json:"book_id"`
	ChapterID int64 `json:"chapter_id"`
	PromptID  int   `json:"prompt_id"`
	UpdatedAt int64 `json:"updated_at"`
}

type ProgressUpdate struct {
	BookID    int64 `json:"book_id"`
	ChapterID int64 `json:"chapter_id"`
	PromptID  int   `json:"prompt_id"`
}

type batchContentRequest struct {
	IDs []int64 `json:"ids"`
}

type batchTrimByIDRequest struct {
	IDs      []int64 `json:"ids"`
	PromptID int     `json:"prompt_id"`
}

type batchTrimByMD5Request struct {
	MD5s     []string `json:"md5s"`
	PromptID int      `json:"prompt_id"`
}

type trimStatusByMD5Request struct {
	MD5s []string `json:"md5s"`
}

type trimStatusResponse struct {
	TrimmedMap map[string][]int `json:"trimmed_map"`
}
