package cache

const keyPrefix = "roomsync:presence:"

func roomKey(projectID string) string { return keyPrefix + "room:" + projectID }

func usersKey(projectID string) string { return keyPrefix + "users:" + projectID }

func cursorKey(projectID, sessionID string) string {
	return keyPrefix + "cursor:" + projectID + ":" + sessionID
}
