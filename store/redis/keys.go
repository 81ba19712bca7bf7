package redis

// Key layout. Everything lives under the "turnstile:" prefix so one
// Redis database can be shared with other applications.
const (
	keyPrefix = "turnstile:"

	// keyAllRequests indexes every request by created-at milli.
	keyAllRequests = keyPrefix + "requests"
	// keyCompleted indexes terminal requests by completed-at milli.
	keyCompleted = keyPrefix + "requests:completed"
	// keySessions indexes sessions by last-activity milli.
	keySessions = keyPrefix + "sessions"
	// keyWorkers indexes workers by last-seen milli.
	keyWorkers = keyPrefix + "workers"
)

// requestKey is the hash holding one request's fields.
func requestKey(reqID string) string {
	return keyPrefix + "request:" + reqID
}

// pendingKey is the session's pending index, ordered by created-at.
func pendingKey(sessionID string) string {
	return keyPrefix + "pending:" + sessionID
}

// processingKey is the set of the session's in-flight request IDs.
func processingKey(sessionID string) string {
	return keyPrefix + "processing:" + sessionID
}

// sessionRequestsKey indexes one session's requests by created-at.
func sessionRequestsKey(sessionID string) string {
	return keyPrefix + "session:" + sessionID + ":requests"
}

// sessionKey is the hash holding one session's fields.
func sessionKey(sessionID string) string {
	return keyPrefix + "session:" + sessionID
}

// workerKey is the hash holding one worker's heartbeat fields.
func workerKey(workerID string) string {
	return keyPrefix + "worker:" + workerID
}

// lockKey is the session lock lease.
func lockKey(sessionID string) string {
	return keyPrefix + "lock:" + sessionID
}
