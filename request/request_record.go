package request

// RequestRecorder receives one record per completed request, successful or not.
type RequestRecorder func(record *RequestRecordData)

type RequestRecordData struct {
	Method         string
	Url            string
	QueryParams    string
	RequestHeaders string
	RequestBody    string
	HttpStatusCode int
	ResponseBody   string
	Error          string
	Duration       int64
}
