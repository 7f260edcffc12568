package analysis

// Rule maps a set of event-type keys to a finding template. Titles carry
// the category tag; descriptions carry the raw event key in parentheses so
// operators can search vendor forums for it.
type Rule struct {
	EventTypes  []string
	Category    Category
	Severity    Severity
	Title       string
	Description string
	Remediation string
}

// Registry resolves event-type keys to their applicable rules.
type Registry struct {
	byKey map[string][]Rule
}

// NewRegistry builds a registry from the given rules.
func NewRegistry(rules []Rule) *Registry {
	r := &Registry{byKey: make(map[string][]Rule)}
	for _, rule := range rules {
		for _, key := range rule.EventTypes {
			r.byKey[key] = append(r.byKey[key], rule)
		}
	}
	return r
}

// Lookup returns the rules for an event-type key, nil when unknown.
func (r *Registry) Lookup(key string) []Rule {
	return r.byKey[key]
}

// Rules returns every registered rule once, for invariant checks.
func (r *Registry) Rules() []Rule {
	seen := make(map[string]bool)
	var out []Rule
	for _, rules := range r.byKey {
		for _, rule := range rules {
			if seen[rule.Title] {
				continue
			}
			seen[rule.Title] = true
			out = append(out, rule)
		}
	}
	return out
}

// DefaultRules is the builtin rule table.
func DefaultRules() []Rule {
	return []Rule{
		// security
		{
			EventTypes:  []string{"EVT_AD_LoginFailed"},
			Category:    CategorySecurity,
			Severity:    SeveritySevere,
			Title:       "[Security] Failed administrator login",
			Description: "A login attempt to the controller admin interface failed for user {admin}. Repeated failures can indicate a brute-force attempt. ({event_type})",
			Remediation: "Review the controller admin log for the source of the attempts. If they are not yours, restrict admin access to trusted networks and rotate the administrator password.",
		},
		{
			EventTypes:  []string{"EVT_AD_Login"},
			Category:    CategorySecurity,
			Severity:    SeverityLow,
			Title:       "[Security] Administrator login",
			Description: "Administrator {admin} logged in to the controller. ({event_type})",
		},
		{
			EventTypes:  []string{"EVT_AP_DetectRogueAP"},
			Category:    CategorySecurity,
			Severity:    SeveritySevere,
			Title:       "[Security] Rogue access point detected",
			Description: "Access point {device_name} ({device_mac}) detected a rogue AP broadcasting {essid}. ({event_type})",
			Remediation: "Locate the rogue device using the reporting AP's position and the broadcast SSID. If it is not a known device, remove it from the premises and check for unauthorized network drops.",
		},
		{
			EventTypes:  []string{"EVT_IPS_IpsAlert"},
			Category:    CategorySecurity,
			Severity:    SeveritySevere,
			Title:       "[Security] Intrusion prevention alert",
			Description: "The gateway raised an IPS alert from {src_ip}. See the threat analysis section for signature details. ({event_type})",
			Remediation: "Check the threat analysis section of this report for the signature, source and whether the traffic was blocked. Block persistent external sources at the gateway firewall.",
		},
		// connectivity
		{
			EventTypes:  []string{"EVT_AP_Lost_Contact"},
			Category:    CategoryConnectivity,
			Severity:    SeveritySevere,
			Title:       "[Connectivity] Access point lost contact",
			Description: "Access point {device_name} ({device_mac}) stopped responding to the controller. ({event_type})",
			Remediation: "Check power and uplink cabling to the AP. If it is PoE powered, confirm the switch port is still delivering power, then power-cycle the AP.",
		},
		{
			EventTypes:  []string{"EVT_SW_Lost_Contact"},
			Category:    CategoryConnectivity,
			Severity:    SeveritySevere,
			Title:       "[Connectivity] Switch lost contact",
			Description: "Switch {device_name} ({device_mac}) stopped responding to the controller. ({event_type})",
			Remediation: "Check the switch power supply and its uplink. A switch going dark usually takes downstream devices with it, so verify dependent APs after it recovers.",
		},
		{
			EventTypes:  []string{"EVT_GW_WANTransition"},
			Category:    CategoryConnectivity,
			Severity:    SeveritySevere,
			Title:       "[Connectivity] WAN state changed",
			Description: "The gateway WAN interface {iface} changed state: {msg}. ({event_type})",
			Remediation: "Confirm the modem or upstream handoff is online. If transitions repeat, ask the ISP to test the line and check the WAN cable and SFP seating.",
		},
		{
			EventTypes:  []string{"EVT_AP_Isolated"},
			Category:    CategoryConnectivity,
			Severity:    SeveritySevere,
			Title:       "[Connectivity] Access point isolated",
			Description: "Access point {device_name} ({device_mac}) became isolated from its uplink and can no longer serve clients. ({event_type})",
			Remediation: "An isolated AP has lost its wired uplink. Check the cable run and the switch port; if the AP is meshed, verify the mesh parent is online.",
		},
		{
			EventTypes:  []string{"EVT_WU_Connected", "EVT_LU_Connected", "EVT_WG_Connected"},
			Category:    CategoryConnectivity,
			Severity:    SeverityLow,
			Title:       "[Connectivity] Client connected",
			Description: "Client {user} connected to the network. ({event_type})",
		},
		{
			EventTypes:  []string{"EVT_WU_Disconnected", "EVT_LU_Disconnected", "EVT_WG_Disconnected"},
			Category:    CategoryConnectivity,
			Severity:    SeverityLow,
			Title:       "[Connectivity] Client disconnected",
			Description: "Client {user} disconnected from the network. ({event_type})",
		},
		// performance
		{
			EventTypes:  []string{"EVT_DEV_HighCpuUsage"},
			Category:    CategoryPerformance,
			Severity:    SeverityMedium,
			Title:       "[Performance] High CPU usage",
			Description: "Device {device_name} ({device_mac}) reported sustained high CPU usage. ({event_type})",
			Remediation: "Check the device for firmware updates and review its client load. Persistent high CPU on a gateway often means IPS throughput is above what the hardware can inspect.",
		},
		{
			EventTypes:  []string{"EVT_DEV_HighMemoryUsage"},
			Category:    CategoryPerformance,
			Severity:    SeverityMedium,
			Title:       "[Performance] High memory usage",
			Description: "Device {device_name} ({device_mac}) reported sustained high memory usage. ({event_type})",
			Remediation: "Reboot the device during a maintenance window and check for firmware updates. Rising memory across days usually indicates a firmware leak fixed in a newer release.",
		},
		{
			EventTypes:  []string{"EVT_AP_RadarDetected", "EVT_AP_PossibleInterference"},
			Category:    CategoryPerformance,
			Severity:    SeverityMedium,
			Title:       "[Performance] Radio interference detected",
			Description: "Access point {device_name} ({device_mac}) detected radar or interference on channel {channel} and may have changed channels. ({event_type})",
			Remediation: "If this repeats on the same channel, exclude that channel in the radio configuration. DFS channels near airports and weather radar see this frequently.",
		},
		{
			EventTypes:  []string{"EVT_GW_SpeedTestFailed"},
			Category:    CategoryPerformance,
			Severity:    SeverityMedium,
			Title:       "[Performance] Speed test degradation",
			Description: "The gateway speed test failed or measured below the expected throughput. ({event_type})",
			Remediation: "Re-run the speed test during low usage. If throughput stays low, test directly against the modem to separate LAN issues from the ISP line.",
		},
		// system
		{
			EventTypes:  []string{"EVT_AP_Upgraded", "EVT_SW_Upgraded", "EVT_GW_Upgraded"},
			Category:    CategorySystem,
			Severity:    SeverityLow,
			Title:       "[System] Firmware updated",
			Description: "Device {device_name} ({device_mac}) completed a firmware update to {version_to}. ({event_type})",
		},
		{
			EventTypes:  []string{"EVT_AP_Restarted", "EVT_SW_Restarted", "EVT_GW_Restarted"},
			Category:    CategorySystem,
			Severity:    SeverityLow,
			Title:       "[System] Device restarted",
			Description: "Device {device_name} ({device_mac}) was restarted. ({event_type})",
		},
		{
			EventTypes:  []string{"EVT_AP_RestartedUnknown", "EVT_SW_RestartedUnknown", "EVT_GW_RestartedUnknown"},
			Category:    CategorySystem,
			Severity:    SeverityMedium,
			Title:       "[System] Unexpected device restart",
			Description: "Device {device_name} ({device_mac}) restarted without an administrator request. ({event_type})",
			Remediation: "Check the device power source and temperature. A device that restarts on its own repeatedly usually has a failing PSU, an overloaded PoE port or overheating.",
		},
		{
			EventTypes:  []string{"EVT_AP_Adopted", "EVT_SW_Adopted", "EVT_GW_Adopted"},
			Category:    CategorySystem,
			Severity:    SeverityLow,
			Title:       "[System] Device adopted",
			Description: "Device {device_name} ({device_mac}) was adopted by the controller. ({event_type})",
		},
		{
			EventTypes:  []string{"EVT_AD_ConfigChanged"},
			Category:    CategorySystem,
			Severity:    SeverityLow,
			Title:       "[System] Configuration changed",
			Description: "Controller configuration was changed by {admin}. ({event_type})",
		},
		{
			EventTypes:  []string{"EVT_AD_BackupCreated"},
			Category:    CategorySystem,
			Severity:    SeverityLow,
			Title:       "[System] Backup created",
			Description: "A controller backup was created. ({event_type})",
		},
		// device health (PoE travels through the event path)
		{
			EventTypes:  []string{"EVT_SW_PoeDisconnect"},
			Category:    CategoryDeviceHealth,
			Severity:    SeverityMedium,
			Title:       "[Device Health] PoE device disconnected",
			Description: "Switch {device_name} ({device_mac}) lost the powered device on port {port}. ({event_type})",
			Remediation: "Check the cable and the powered device on that port. A marginal cable run can draw power intermittently and flap the port.",
		},
		{
			EventTypes:  []string{"EVT_SW_PoeOverload"},
			Category:    CategoryDeviceHealth,
			Severity:    SeveritySevere,
			Title:       "[Device Health] PoE budget exceeded",
			Description: "Switch {device_name} ({device_mac}) exceeded its PoE power budget; ports may shed power. ({event_type})",
			Remediation: "Move high-draw devices to another switch or an injector, or disable PoE on unused ports. Check the switch datasheet for the total budget and stay under it with headroom.",
		},
	}
}
