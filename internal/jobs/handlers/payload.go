package handlers

import "github.com/vietddude/contestwatch/internal/jobs/dispatcher"

type (
	ReplayRequest    = dispatcher.ReplayRequest
	MilestoneRequest = dispatcher.MilestoneRequest
)
