package cloud

import (
	"fmt"
	"strings"
)

// Topic layout follows the platform's sys/{productKey}/{deviceName}
// convention. Uplink property posts and downlink service calls share
// the same device-scoped prefix; the gateway's own liveness uses a
// separate status topic carried by the MQTT will.

// PropertyPostTopic is the uplink topic for telemetry from one device.
func PropertyPostTopic(productKey, deviceName string) string {
	return "sys/" + productKey + "/" + deviceName + "/property/post"
}

// ServiceSetTopic is the downlink topic carrying control commands.
func ServiceSetTopic(productKey, deviceName string) string {
	return "sys/" + productKey + "/" + deviceName + "/service/set"
}

// ServiceSetReplyTopic is where command results are acknowledged.
func ServiceSetReplyTopic(productKey, deviceName string) string {
	return ServiceSetTopic(productKey, deviceName) + "_reply"
}

// ServiceSetWildcard subscribes to downlink commands for all devices.
const ServiceSetWildcard = "sys/+/+/service/set"

// GatewayStatusTopic carries the gateway's online/offline status,
// published retained and set as the connection's will message.
func GatewayStatusTopic(clientID string) string {
	return "sys/gateway/" + clientID + "/status"
}

// ParseServiceSetTopic extracts the product key and device name from a
// downlink service/set topic.
func ParseServiceSetTopic(topic string) (productKey, deviceName string, err error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != "sys" || parts[3] != "service" || parts[4] != "set" {
		return "", "", fmt.Errorf("not a service/set topic: %q", topic)
	}
	return parts[1], parts[2], nil
}
