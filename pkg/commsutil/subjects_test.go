package commsutil

import "testing"

func TestBuildRobotSubject(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		robot string
		want  string
	}{
		{"unscoped", SubjectStatus, "", "robot.status"},
		{"scoped", SubjectStatus, "senpai", "robot.status.senpai"},
		{"dotted robot", SubjectCollision, "team.senpai", "robot.collision.team_senpai"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildRobotSubject(tt.base, tt.robot)
			if got != tt.want {
				t.Errorf("commsutil:subjects_test - BuildRobotSubject(%q, %q) = %q, want %q", tt.base, tt.robot, got, tt.want)
			}
		})
	}
}

func TestBuildIncidentSubject(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{"LATE_SAMPLE", "robot.incident.late_sample"},
		{"unexpected_reply", "robot.incident.unexpected_reply"},
		{"link.disconnected", "robot.incident.link_disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			got := BuildIncidentSubject(tt.kind)
			if got != tt.want {
				t.Errorf("commsutil:subjects_test - BuildIncidentSubject(%q) = %q, want %q", tt.kind, got, tt.want)
			}
		})
	}
}
