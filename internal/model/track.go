package model

// Tracked mail encodes the event type in the first letter of the track
// URL's t parameter. Sent mail can use any letter of a set so the URLs
// give content filters no stable token to match on.
const (
	ClickLetters = "acfgmpqsw"
	OpenLetters  = "bjklnoty"
	UnsubLetters = "dehiruv"
	ViewLetters  = "xz"
)
