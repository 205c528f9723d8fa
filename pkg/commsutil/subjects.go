package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	SubjectControl   = "robot.control.v1"
	SubjectStatus    = "robot.status"
	SubjectCollision = "robot.collision"
	SubjectIncident  = "robot.incident"
	SubjectAction    = "robot.action"
)

// BuildRobotSubject scopes a subject to one robot, e.g. robot.status.senpai.
// An empty robot name leaves the subject unchanged.
func BuildRobotSubject(base, robot string) string {
	if robot == "" {
		return base
	}
	return fmt.Sprintf("%s.%s", base, strings.ReplaceAll(robot, ".", "_"))
}

// BuildIncidentSubject builds the per-kind incident subject, e.g. robot.incident.late_sample.
func BuildIncidentSubject(kind string) string {
	return fmt.Sprintf("%s.%s", SubjectIncident, strings.ToLower(strings.ReplaceAll(kind, ".", "_")))
}
