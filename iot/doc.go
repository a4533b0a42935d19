/*Package iot provides the shared contracts of the device hub

It defines the publish/subscribe transport used by the topic relay, the
minimal message publisher interface used by components that only need to
push payloads to devices, and the error taxonomy shared between the HTTP
surface and the MQTT API bridge.

Two transport implementations exist: iot/mqtt connects as a client to an
external MQTT broker, iot/broker embeds a broker into the process. Both
satisfy iot.Transport, the relay does not care which one it runs on.
*/
package iot
