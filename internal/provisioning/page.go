package provisioning

// portalPage is the HTML the captive portal serves at "/" while the
// gateway is unconfigured. It is a single static page: a WiFi picker
// backed by /api/wifi/scan, and a form that posts to /api/provision/all.
const portalPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>OmniAPI Gateway Setup</title>
<style>
body { font-family: sans-serif; max-width: 420px; margin: 2rem auto; padding: 0 1rem; }
h1 { font-size: 1.2rem; }
label { display: block; margin-top: 1rem; font-weight: bold; }
input, select { width: 100%; padding: 0.5rem; margin-top: 0.25rem; box-sizing: border-box; }
button { margin-top: 1.5rem; padding: 0.6rem 1.2rem; }
#status { margin-top: 1rem; font-size: 0.9rem; }
</style>
</head>
<body>
<h1>OmniAPI Gateway Setup</h1>
<form id="setup-form">
  <label>Wi-Fi network
    <select id="ssid"></select>
  </label>
  <label>Wi-Fi password
    <input type="password" id="password">
  </label>
  <label>MQTT broker URI
    <input type="text" id="broker_uri" placeholder="tcp://broker.example.com:1883">
  </label>
  <label>MQTT username
    <input type="text" id="mqtt_username">
  </label>
  <label>MQTT password
    <input type="password" id="mqtt_password">
  </label>
  <button type="submit">Connect gateway</button>
</form>
<div id="status"></div>
<script>
fetch('/api/wifi/scan').then(r => r.json()).then(list => {
  const sel = document.getElementById('ssid');
  (list || []).forEach(n => {
    const opt = document.createElement('option');
    opt.value = n.SSID;
    opt.textContent = n.SSID + ' (' + n.Security + ')';
    sel.appendChild(opt);
  });
});
document.getElementById('setup-form').addEventListener('submit', function(e) {
  e.preventDefault();
  const body = {
    wifi: { ssid: document.getElementById('ssid').value, password: document.getElementById('password').value },
    mqtt: {
      broker_uri: document.getElementById('broker_uri').value,
      username: document.getElementById('mqtt_username').value,
      password: document.getElementById('mqtt_password').value,
    },
  };
  document.getElementById('status').textContent = 'Applying configuration, gateway will restart...';
  fetch('/api/provision/all', { method: 'POST', headers: {'Content-Type': 'application/json'}, body: JSON.stringify(body) })
    .then(r => { document.getElementById('status').textContent = r.ok ? 'Configuration applied. Reconnect to your regular network shortly.' : 'Failed to apply configuration.'; });
});
</script>
</body>
</html>
`
